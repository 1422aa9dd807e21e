package sdp

import (
	"context"
	"errors"

	"github.com/srediag/plugin-smaf/pkg/smaf"
)

// CheckInjected maps the window w of b directly and counts the bytes that
// differ from want. A refused mapping is expected while b is secure: it
// reports checked false, not an error.
func CheckInjected(ctx context.Context, b *smaf.Buffer, w Window, want []byte) (mismatches int, checked bool, err error) {
	return checkWindow(ctx, b, w, func(got []byte) int {
		return CountMismatches(want, got)
	})
}

// CheckTransformed is CheckInjected against the transform of ref.
func CheckTransformed(ctx context.Context, b *smaf.Buffer, w Window, ref []byte) (mismatches int, checked bool, err error) {
	return checkWindow(ctx, b, w, func(got []byte) int {
		return CountTransformMismatches(ref, got)
	})
}

// CountMismatches counts positions where got differs from want, over the
// length of want.
func CountMismatches(want, got []byte) int {
	n := 0
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			n++
		}
	}
	return n
}

// CountTransformMismatches counts positions where got is not the transform
// of ref.
func CountTransformMismatches(ref, got []byte) int {
	n := 0
	for i := range ref {
		if i >= len(got) || got[i] != TransformByte(ref[i]) {
			n++
		}
	}
	return n
}

func checkWindow(ctx context.Context, b *smaf.Buffer, w Window, count func([]byte) int) (int, bool, error) {
	if err := w.check(b.Size()); err != nil {
		return 0, false, err
	}
	if w.Size == 0 {
		return 0, true, nil
	}
	region, err := b.Map(ctx)
	if errors.Is(err, smaf.ErrNotPermitted) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer region.Close()
	return count(region.Bytes()[w.Offset:w.End()]), true, nil
}
