// Package errors provides the structured error taxonomy used across memoryd.
//
// Every failure that crosses a component boundary is an *Error carrying a
// code, a category and optional metadata. The category decides whether a
// caller may retry:
//
//   - Transient: upstream model or storage backend unavailable; the
//     consolidator retries on its next tick.
//   - Permanent: invalid input, unknown task; retrying does not help.
//   - Resource: the job queue is full or a lock is held elsewhere.
//   - Internal: bugs and recovered panics.
//
// Typical use:
//
//	if text == "" {
//	    return errors.InvalidInput("text must not be empty")
//	}
//	vecs, err := embedder.Embed(ctx, texts)
//	if err != nil {
//	    return errors.Upstream("embedder", "embedding failed", err)
//	}
//
// Errors serialize to JSON so the HTTP layer can return them verbatim:
//
//	{"code":"INVALID_INPUT","category":"permanent","message":"text must not be empty","retryable":false}
package errors
