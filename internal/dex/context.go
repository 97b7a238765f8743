package dex

import "context"

type settlingKey struct{}

// withSettling marks ctx as carrying an in-flight settlement of order id.
// Ledger hooks receive this context, so calls they make back into the engine
// can be recognized.
func withSettling(ctx context.Context, id uint64) context.Context {
	parent, _ := ctx.Value(settlingKey{}).([]uint64)
	ids := make([]uint64, len(parent), len(parent)+1)
	copy(ids, parent)
	return context.WithValue(ctx, settlingKey{}, append(ids, id))
}

func isSettling(ctx context.Context, id uint64) bool {
	ids, _ := ctx.Value(settlingKey{}).([]uint64)
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
