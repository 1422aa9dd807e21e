// Package shm maps buffer handles into the calling process.
//
// A Region is a live mapping of a window of a buffer file descriptor. The
// mapping goes through a Mapper so that the owner of the handle can refuse
// it: the smaf device refuses to map a buffer while it is secure, which is
// the enforcement point that gives the secure flag meaning. The trusted
// domain maps with Direct.
//
// Mapping and unmapping are traced through the global OpenTelemetry tracer
// provider.
//
// Example usage:
//
//	region, err := shm.Map(ctx, shm.Direct, fd, shm.MapOptions{Size: 4096, Writable: true})
//	if err != nil {
//	  return err
//	}
//	defer region.Close()
//	copy(region.Bytes(), payload)
package shm
