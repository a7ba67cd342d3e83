package logs

import (
	"context"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// NewContext returns a fresh background context carrying a contextual logger
// stamped with a unique contextID. Use it for flows that must outlive the
// request that started them.
func NewContext(keysAndValues ...any) context.Context {
	logger := klog.LoggerWithValues(klog.Background(), "contextID", uuid.NewString())
	return klog.NewContext(context.Background(), logger.WithValues(keysAndValues...))
}

// NewContextWithID is NewContext with a caller-chosen contextID, typically a
// request ID already handed to the client.
func NewContextWithID(contextID string, keysAndValues ...any) context.Context {
	logger := klog.LoggerWithValues(klog.Background(), "contextID", contextID)
	return klog.NewContext(context.Background(), logger.WithValues(keysAndValues...))
}

// NewContextFrom derives from parent, keeping its cancellation and deadline,
// and attaches a contextID logger.
func NewContextFrom(parent context.Context, keysAndValues ...any) context.Context {
	logger := klog.LoggerWithValues(klog.FromContext(parent), "contextID", uuid.NewString())
	return klog.NewContext(parent, logger.WithValues(keysAndValues...))
}
