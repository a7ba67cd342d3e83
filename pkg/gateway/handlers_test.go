package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/sandbox-fleet/fleetd/pkg/executor"
	"github.com/sandbox-fleet/fleetd/pkg/manager"
	"github.com/sandbox-fleet/fleetd/pkg/manager/config"
	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	"github.com/sandbox-fleet/fleetd/pkg/manager/kube"
	"github.com/sandbox-fleet/fleetd/pkg/manager/lifecycle"
)

func poolTemplate(t *testing.T, kind, container, image string, opts config.Options) *config.PoolTemplate {
	t.Helper()
	template := &config.PoolTemplate{
		Spec: config.PoolTemplateSpec{
			Kind: kind,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{Name: container, Image: image},
					},
				},
			},
		},
	}
	template.Init("default", opts)
	if err := template.Validate(); err != nil {
		t.Fatalf("Template invalid: %v", err)
	}
	return template
}

func newTestServer(t *testing.T, opts config.Options) (*Server, *manager.Fleet, *fake.Clientset) {
	t.Helper()
	client := fake.NewClientset()
	opts.Namespace = "default"
	opts = config.InitOptions(opts)
	opts.BackfillInterval = time.Hour
	opts.CleanupInterval = time.Hour

	templates := []*config.PoolTemplate{
		poolTemplate(t, consts.KindExecutor, "executor", "registry.example.com/fleet/executor:v1", opts),
		poolTemplate(t, consts.KindMCP, "mcp", "registry.example.com/fleet/mcp:v1", opts),
	}
	fleet, err := manager.New(client, opts, templates, nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to build fleet: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := fleet.Run(ctx); err != nil {
		cancel()
		t.Fatalf("Failed to run fleet: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		fleet.Stop()
	})

	srv := NewServer(fleet, executor.NewClient(), opts)
	srv.track.PollInterval = 50 * time.Millisecond
	srv.track.ReadyTimeout = 5 * time.Second
	return srv, fleet, client
}

func sandboxPod(name, kind, poolStatus, user string) *corev1.Pod {
	labels := map[string]string{
		consts.LabelManagedBy:  consts.ManagerName,
		consts.LabelKind:       kind,
		consts.LabelPoolStatus: poolStatus,
	}
	if user != "" {
		labels[consts.LabelPoolUser] = user
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "default",
			Labels:    labels,
			Annotations: map[string]string{
				consts.AnnotationCreatedAt: kube.FormatTime(time.Now().Add(-time.Minute)),
			},
		},
	}
}

func createReadyPod(t *testing.T, client *fake.Clientset, pod *corev1.Pod, ip string) {
	t.Helper()
	created, err := client.CoreV1().Pods("default").Create(context.Background(), pod, metav1.CreateOptions{})
	if err != nil {
		t.Fatalf("Failed to create pod: %v", err)
	}
	created.Status.Phase = corev1.PodRunning
	created.Status.PodIP = ip
	created.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}
	if _, err := client.CoreV1().Pods("default").UpdateStatus(context.Background(), created, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("Failed to update pod status: %v", err)
	}
}

// waitForCachedSandbox blocks until the informer has seen the pod, optionally
// in its ready state. Handlers that read the cache race the watch otherwise.
func waitForCachedSandbox(t *testing.T, fleet *manager.Fleet, name string, ready bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		sandboxes, err := fleet.ListSandboxes()
		assert.NoError(t, err)
		for _, sbx := range sandboxes {
			if sbx.Name == name && (!ready || sbx.IsReady()) {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Sandbox %s never reached the cache", name)
}

// autoReady marks every managed pod that lacks an IP as running and ready,
// standing in for the kubelet while lifecycle streams are open.
func autoReady(t *testing.T, client *fake.Clientset) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			list, err := client.CoreV1().Pods("default").List(context.Background(), metav1.ListOptions{})
			if err == nil {
				for i := range list.Items {
					pod := &list.Items[i]
					if pod.Status.PodIP != "" {
						continue
					}
					pod.Status.Phase = corev1.PodRunning
					pod.Status.PodIP = "10.0.0.50"
					pod.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}
					_, _ = client.CoreV1().Pods("default").UpdateStatus(context.Background(), pod, metav1.UpdateOptions{})
				}
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()
}

func doRequest(s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func sseRecords(body string) [][]byte {
	var records [][]byte
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload != "" {
			records = append(records, []byte(payload))
		}
	}
	return records
}

func lifecycleEvents(t *testing.T, body string) []lifecycle.Event {
	t.Helper()
	var events []lifecycle.Event
	for _, record := range sseRecords(body) {
		var evt lifecycle.Event
		if err := json.Unmarshal(record, &evt); err != nil {
			t.Fatalf("Malformed lifecycle event %s: %v", record, err)
		}
		events = append(events, evt)
	}
	return events
}

func executionEvents(t *testing.T, body string) []executor.ExecutionEvent {
	t.Helper()
	var events []executor.ExecutionEvent
	for _, record := range sseRecords(body) {
		var evt executor.ExecutionEvent
		if err := json.Unmarshal(record, &evt); err != nil {
			t.Fatalf("Malformed execution event %s: %v", record, err)
		}
		events = append(events, evt)
	}
	return events
}

// runtimeServer stands in for the in-pod runtime; the returned host doubles
// as the pod IP so BaseURL points back at the test server.
func runtimeServer(t *testing.T, handler http.HandlerFunc) (string, int32) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("Failed to parse runtime URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("Failed to parse runtime port: %v", err)
	}
	return u.Hostname(), int32(port)
}

func writeRuntimeEvent(t *testing.T, w http.ResponseWriter, payload string) {
	t.Helper()
	if _, err := io.WriteString(w, "data: "+payload+"\n\n"); err != nil {
		t.Errorf("Failed to write event: %v", err)
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func TestHealthzOpen(t *testing.T) {
	srv, _, _ := newTestServer(t, config.Options{AdminKey: "sekret"})

	w := doRequest(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAdminKey(t *testing.T) {
	srv, _, _ := newTestServer(t, config.Options{AdminKey: "sekret"})

	cases := []struct {
		name string
		key  string
		code int
	}{
		{name: "missing key rejected", key: "", code: http.StatusUnauthorized},
		{name: "wrong key rejected", key: "wrong", code: http.StatusUnauthorized},
		{name: "right key accepted", key: "sekret", code: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := []string{}
			if tc.key != "" {
				headers = []string{adminKeyHeader, tc.key}
			}
			w := doRequest(srv, http.MethodGet, "/api/pool/status", "", headers...)
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestAdminKeyDisabled(t *testing.T) {
	srv, _, _ := newTestServer(t, config.Options{})

	w := doRequest(srv, http.MethodGet, "/api/pool/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAllocateWarmHit(t *testing.T) {
	srv, fleet, client := newTestServer(t, config.Options{})
	pod := sandboxPod("sbx-executor-warm1", consts.KindExecutor, consts.PoolStatusWarm, "")
	createReadyPod(t, client, pod, "10.0.0.7")
	waitForCachedSandbox(t, fleet, pod.Name, true)

	w := doRequest(srv, http.MethodPost, "/api/sandboxes/allocate", `{"userID":"alice"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	events := lifecycleEvents(t, w.Body.String())
	if assert.Len(t, events, 1) {
		assert.Equal(t, lifecycle.TypeReady, events[0].Type)
		if assert.NotNil(t, events[0].Sandbox) {
			assert.Equal(t, pod.Name, events[0].Sandbox.Name)
			assert.Equal(t, consts.PoolStatusAllocated, events[0].Sandbox.PoolStatus)
			assert.Equal(t, "alice", events[0].Sandbox.User)
		}
	}

	persisted, err := client.CoreV1().Pods("default").Get(context.Background(), pod.Name, metav1.GetOptions{})
	assert.NoError(t, err)
	assert.Equal(t, consts.PoolStatusAllocated, persisted.Labels[consts.LabelPoolStatus])
	assert.Equal(t, "alice", persisted.Labels[consts.LabelPoolUser])
}

func TestAllocateFallsBackToOnDemand(t *testing.T) {
	srv, _, client := newTestServer(t, config.Options{})
	autoReady(t, client)

	w := doRequest(srv, http.MethodPost, "/api/sandboxes/allocate", `{"userID":"bob"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	events := lifecycleEvents(t, w.Body.String())
	if assert.GreaterOrEqual(t, len(events), 2) {
		assert.Equal(t, lifecycle.TypeCreated, events[0].Type)
		last := events[len(events)-1]
		assert.Equal(t, lifecycle.TypeReady, last.Type)
		if assert.NotNil(t, last.Sandbox) {
			assert.Equal(t, "bob", last.Sandbox.User)

			persisted, err := client.CoreV1().Pods("default").Get(context.Background(), last.Sandbox.Name, metav1.GetOptions{})
			assert.NoError(t, err)
			assert.Equal(t, consts.PoolStatusAllocated, persisted.Labels[consts.LabelPoolStatus])
		}
	}
}

func TestAllocateCapacityExhausted(t *testing.T) {
	srv, fleet, client := newTestServer(t, config.Options{MaxTotal: 1})
	pod := sandboxPod("sbx-executor-busy1", consts.KindExecutor, consts.PoolStatusAllocated, "alice")
	createReadyPod(t, client, pod, "10.0.0.8")
	waitForCachedSandbox(t, fleet, pod.Name, true)

	w := doRequest(srv, http.MethodPost, "/api/sandboxes/allocate", `{"userID":"bob"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var body map[string]string
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "CapacityExceeded", body["error"])
}

func TestAllocateValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, config.Options{})

	w := doRequest(srv, http.MethodPost, "/api/sandboxes/allocate", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(srv, http.MethodPost, "/api/sandboxes/allocate", `{"userID":"alice","kind":"toaster"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateStreamsLifecycle(t *testing.T) {
	srv, _, client := newTestServer(t, config.Options{})
	autoReady(t, client)

	w := doRequest(srv, http.MethodPost, "/api/sandboxes", `{"userID":"carol"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	events := lifecycleEvents(t, w.Body.String())
	if assert.GreaterOrEqual(t, len(events), 2) {
		last := events[len(events)-1]
		assert.Equal(t, lifecycle.TypeReady, last.Type)
		if assert.NotNil(t, last.Sandbox) {
			persisted, err := client.CoreV1().Pods("default").Get(context.Background(), last.Sandbox.Name, metav1.GetOptions{})
			assert.NoError(t, err)
			assert.Equal(t, consts.PoolStatusManual, persisted.Labels[consts.LabelPoolStatus])
			assert.Equal(t, consts.KindExecutor, persisted.Labels[consts.LabelKind])
		}
	}
}

func TestCreateMCPSandbox(t *testing.T) {
	srv, _, client := newTestServer(t, config.Options{})
	autoReady(t, client)

	w := doRequest(srv, http.MethodPost, "/api/sandboxes", `{"userID":"dave","kind":"mcp"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	events := lifecycleEvents(t, w.Body.String())
	if assert.GreaterOrEqual(t, len(events), 1) {
		last := events[len(events)-1]
		assert.Equal(t, lifecycle.TypeReady, last.Type)
		if assert.NotNil(t, last.Sandbox) {
			persisted, err := client.CoreV1().Pods("default").Get(context.Background(), last.Sandbox.Name, metav1.GetOptions{})
			assert.NoError(t, err)
			assert.Equal(t, consts.KindMCP, persisted.Labels[consts.LabelKind])
			assert.Equal(t, consts.PoolStatusMCP, persisted.Labels[consts.LabelPoolStatus])
		}
	}
}

func TestListSandboxes(t *testing.T) {
	srv, fleet, client := newTestServer(t, config.Options{})
	createReadyPod(t, client, sandboxPod("sbx-executor-00002", consts.KindExecutor, consts.PoolStatusWarm, ""), "10.0.0.2")
	createReadyPod(t, client, sandboxPod("sbx-executor-00001", consts.KindExecutor, consts.PoolStatusAllocated, "alice"), "10.0.0.1")
	waitForCachedSandbox(t, fleet, "sbx-executor-00001", false)
	waitForCachedSandbox(t, fleet, "sbx-executor-00002", false)

	w := doRequest(srv, http.MethodGet, "/api/sandboxes", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Sandboxes []kube.Info `json:"sandboxes"`
		Total     int         `json:"total"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	if assert.Len(t, body.Sandboxes, 2) {
		assert.Equal(t, "sbx-executor-00001", body.Sandboxes[0].Name)
		assert.Equal(t, "sbx-executor-00002", body.Sandboxes[1].Name)
		assert.Equal(t, "alice", body.Sandboxes[0].User)
	}
}

func TestGetSandbox(t *testing.T) {
	srv, _, client := newTestServer(t, config.Options{})
	createReadyPod(t, client, sandboxPod("sbx-executor-00001", consts.KindExecutor, consts.PoolStatusAllocated, "alice"), "10.0.0.1")

	w := doRequest(srv, http.MethodGet, "/api/sandboxes/sbx-executor-00001", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var info kube.Info
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "sbx-executor-00001", info.Name)
	assert.Equal(t, "10.0.0.1", info.IP)
	assert.True(t, info.Ready)

	w = doRequest(srv, http.MethodGet, "/api/sandboxes/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSandbox(t *testing.T) {
	srv, _, client := newTestServer(t, config.Options{})
	createReadyPod(t, client, sandboxPod("sbx-executor-00001", consts.KindExecutor, consts.PoolStatusAllocated, "alice"), "10.0.0.1")

	w := doRequest(srv, http.MethodDelete, "/api/sandboxes/sbx-executor-00001", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, err := client.CoreV1().Pods("default").Get(context.Background(), "sbx-executor-00001", metav1.GetOptions{})
	assert.Error(t, err)

	w = doRequest(srv, http.MethodDelete, "/api/sandboxes/sbx-executor-00001", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteAllSandboxes(t *testing.T) {
	srv, fleet, client := newTestServer(t, config.Options{})
	for _, pod := range []*corev1.Pod{
		sandboxPod("sbx-executor-00001", consts.KindExecutor, consts.PoolStatusWarm, ""),
		sandboxPod("sbx-executor-00002", consts.KindExecutor, consts.PoolStatusAllocated, "alice"),
		sandboxPod("sbx-mcp-00001", consts.KindMCP, consts.PoolStatusMCP, "bob"),
	} {
		createReadyPod(t, client, pod, "10.0.0.1")
	}
	waitForCachedSandbox(t, fleet, "sbx-mcp-00001", false)
	waitForCachedSandbox(t, fleet, "sbx-executor-00002", false)

	w := doRequest(srv, http.MethodDelete, "/api/sandboxes", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]int
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body["deleted"])
}

func TestPoolStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, config.Options{})

	w := doRequest(srv, http.MethodGet, "/api/pool/status", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Pools []struct {
			Kind string `json:"kind"`
		} `json:"pools"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	if assert.Len(t, body.Pools, 2) {
		assert.Equal(t, consts.KindExecutor, body.Pools[0].Kind)
		assert.Equal(t, consts.KindMCP, body.Pools[1].Kind)
	}
}

func TestExecuteStreamsOutput(t *testing.T) {
	srv, _, client := newTestServer(t, config.Options{})
	host, port := runtimeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/execute", r.URL.Path)
		var req executor.ExecuteRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "echo hi", req.Command)
		assert.Equal(t, executor.DefaultTimeoutSeconds, req.TimeoutSeconds)

		w.Header().Set("Content-Type", "text/event-stream")
		writeRuntimeEvent(t, w, `{"$type":"OutputEvent","pid":42,"stream":"stdout","data":"hi\n"}`)
		writeRuntimeEvent(t, w, `{"$type":"OutputEvent","pid":42,"stream":"stderr","data":"warn\n"}`)
		writeRuntimeEvent(t, w, `{"$type":"CompletedEvent","pid":42,"exitCode":0,"timedOut":false}`)
	})
	srv.executorPort = port
	createReadyPod(t, client, sandboxPod("sbx-executor-00001", consts.KindExecutor, consts.PoolStatusAllocated, "alice"), host)

	w := doRequest(srv, http.MethodPost, "/api/sandboxes/sbx-executor-00001/execute", `{"command":"echo hi"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	events := executionEvents(t, w.Body.String())
	if assert.Len(t, events, 3) {
		assert.Equal(t, executor.EventOutput, events[0].Type)
		assert.Equal(t, executor.StreamStdout, events[0].Stream)
		assert.Equal(t, "hi\n", events[0].Data)
		assert.Equal(t, executor.StreamStderr, events[1].Stream)
		assert.Equal(t, executor.EventCompleted, events[2].Type)
		assert.Equal(t, 0, events[2].ExitCode)
		for _, evt := range events {
			assert.Equal(t, 42, evt.PID)
		}
	}

	persisted, err := client.CoreV1().Pods("default").Get(context.Background(), "sbx-executor-00001", metav1.GetOptions{})
	assert.NoError(t, err)
	assert.NotEmpty(t, persisted.Annotations[consts.AnnotationLastActivityAt])
}

func TestExecuteSynthesizesCompletionWhenUnreachable(t *testing.T) {
	srv, _, client := newTestServer(t, config.Options{})
	srv.executorPort = 1
	createReadyPod(t, client, sandboxPod("sbx-executor-00001", consts.KindExecutor, consts.PoolStatusAllocated, "alice"), "127.0.0.1")

	w := doRequest(srv, http.MethodPost, "/api/sandboxes/sbx-executor-00001/execute", `{"command":"true"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	events := executionEvents(t, w.Body.String())
	if assert.Len(t, events, 1) {
		assert.Equal(t, executor.EventCompleted, events[0].Type)
		assert.Equal(t, -1, events[0].ExitCode)
		assert.False(t, events[0].TimedOut)
	}
}

func TestExecuteSynthesizesCompletionOnBrokenStream(t *testing.T) {
	srv, _, client := newTestServer(t, config.Options{})
	host, port := runtimeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeRuntimeEvent(t, w, `{"$type":"OutputEvent","pid":7,"stream":"stdout","data":"partial"}`)
	})
	srv.executorPort = port
	createReadyPod(t, client, sandboxPod("sbx-executor-00001", consts.KindExecutor, consts.PoolStatusAllocated, "alice"), host)

	w := doRequest(srv, http.MethodPost, "/api/sandboxes/sbx-executor-00001/execute", `{"command":"sleep 100"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	events := executionEvents(t, w.Body.String())
	if assert.Len(t, events, 2) {
		assert.Equal(t, executor.EventOutput, events[0].Type)
		assert.Equal(t, executor.EventCompleted, events[1].Type)
		assert.Equal(t, 7, events[1].PID)
		assert.Equal(t, -1, events[1].ExitCode)
	}
}

func TestExecuteRejections(t *testing.T) {
	srv, _, client := newTestServer(t, config.Options{})
	createReadyPod(t, client, sandboxPod("sbx-executor-00001", consts.KindExecutor, consts.PoolStatusAllocated, "alice"), "10.0.0.1")

	pending := sandboxPod("sbx-executor-00002", consts.KindExecutor, consts.PoolStatusCreating, "")
	_, err := client.CoreV1().Pods("default").Create(context.Background(), pending, metav1.CreateOptions{})
	assert.NoError(t, err)

	w := doRequest(srv, http.MethodPost, "/api/sandboxes/sbx-executor-00001/execute", `{"command":"true","timeoutSeconds":9999}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(srv, http.MethodPost, "/api/sandboxes/sbx-executor-00002/execute", `{"command":"true"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(srv, http.MethodPost, "/api/sandboxes/missing/execute", `{"command":"true"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
