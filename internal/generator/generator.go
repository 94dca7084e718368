package generator

import "context"

// Generator produces reply text. ok is false when no usable answer exists;
// implementations never return errors to the caller.
type Generator interface {
	Complete(ctx context.Context, persona string, text string) (answer string, ok bool)
}
