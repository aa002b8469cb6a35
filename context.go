package leasecron

import (
	"context"
	"time"
)

type runInfoKey struct{}

type runInfo struct {
	fence       Fence
	occurrence  time.Time
	executionID string
}

func withRunInfo(ctx context.Context, info runInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

func runInfoFrom(ctx context.Context) (runInfo, bool) {
	info, ok := ctx.Value(runInfoKey{}).(runInfo)
	return info, ok
}

// FenceFromContext returns the fence of the lease a job body runs under.
// Bodies that write to shared systems should pass the fencing token along
// so stale holders can be rejected downstream.
func FenceFromContext(ctx context.Context) (Fence, bool) {
	info, ok := runInfoFrom(ctx)
	return info.fence, ok
}

// OccurrenceFromContext returns the scheduled time of the running occurrence.
func OccurrenceFromContext(ctx context.Context) (time.Time, bool) {
	info, ok := runInfoFrom(ctx)
	return info.occurrence, ok
}

// ExecutionIDFromContext returns the idempotency key of the running occurrence.
func ExecutionIDFromContext(ctx context.Context) (string, bool) {
	info, ok := runInfoFrom(ctx)
	return info.executionID, ok
}
