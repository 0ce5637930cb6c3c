// Package resource bounds background replica work.
//
// Two resources are managed:
//
//   - Background slots: a weighted semaphore limiting concurrent recoveries
//     and snapshot transfers per storage.
//   - IO: a token bucket limiting transfer and catch-up throughput so
//     foreground writes keep their disk and network budget.
//
// Usage:
//
//	rc := resource.NewController(resource.Config{
//	    MaxBackgroundJobs:  2,
//	    IOLimitBytesPerSec: 64 << 20,
//	})
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
//	r := resource.NewRateLimitedReader(ctx, archive, rc)
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
