// Package smaf manages secure memory allocator buffers.
//
// A Session is the process's connection to an allocator Device. It is
// reference counted: the device is opened by the first Open and closed by
// the Close that balances it. Through an open Session a caller creates
// buffers (optionally from a named Allocator), flips their secure flag and
// enumerates the allocators the device offers.
//
// A secure buffer cannot be mapped by the caller: Buffer.Map fails with
// ErrNotPermitted until the flag is cleared. The buffer's file descriptor
// can still be handed to a trusted domain, which maps it on its own.
//
// Two devices are provided. MemDevice is an in-process backend built on
// memfd that enforces the secure flag at the mapping call. CharDevice
// drives the /dev/smaf kernel driver through its ioctl interface.
//
//	sess, _ := smaf.NewSession(smaf.MemOpener(nil), nil)
//	if err := sess.Open(ctx); err != nil {
//	  return err
//	}
//	defer sess.Close()
//
//	buf, err := sess.CreateNamedBuffer(16<<10, smaf.FlagCloexec|smaf.FlagRDWR, "smaf-optee")
//	if err != nil {
//	  return err
//	}
//	defer buf.Close()
//	if err := buf.SetSecure(true); err != nil {
//	  return err
//	}
//
// Operations on a Session are safe for concurrent use.
package smaf
