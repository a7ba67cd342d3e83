package consts

const (
	InternalPrefix = "fleet.sandbox.io/"

	LabelManagedBy  = InternalPrefix + "managed-by"
	LabelPoolStatus = InternalPrefix + "pool-status"
	LabelPoolUser   = InternalPrefix + "pool-user"
	LabelKind       = InternalPrefix + "kind"

	AnnotationCreatedAt      = InternalPrefix + "created-at"
	AnnotationAllocatedAt    = InternalPrefix + "allocated-at"
	AnnotationLastActivityAt = InternalPrefix + "last-activity-at"

	ManagerName = "fleetd"
)

const (
	PoolStatusCreating  = "creating"
	PoolStatusWarm      = "warm"
	PoolStatusAllocated = "allocated"
	PoolStatusManual    = "manual"
	PoolStatusMCP       = "mcp"
)

const (
	KindExecutor = "executor"
	KindMCP      = "mcp"
)

const (
	DefaultNamePrefix   = "sbx"
	DefaultWarmPoolSize = 2
	DefaultMaxTotal     = 50

	// ExecutorPort is where the in-sandbox executor serves /healthz and /api/execute.
	ExecutorPort = 8765
	// ProxyPort and ProxyAdminPort are fixed inside every sandbox pod.
	ProxyPort      = 8080
	ProxyAdminPort = 8081
)

const (
	DeleteReasonMaxLifetime  = "exceeded-max-lifetime"
	DeleteReasonIdleTimeout  = "idle-timeout"
	DeleteReasonExpiredWarm  = "expired-warm"
	DeleteReasonStuck        = "stuck-creating"
	DeleteReasonOverCapacity = "over-capacity"
	DeleteReasonAPI          = "api-request"
)

// LeaseName is the coordination lease that serializes backfill and cleanup
// across controller replicas.
const LeaseName = "fleetd-pool-leader"

const DebugLogLevel = 5
