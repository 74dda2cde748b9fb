package pipeline

import "context"

type contextKey struct{}

// ContextWithFields returns a context carrying fields that producers add to
// every event logged with it. Fields already on ctx are kept unless
// overwritten.
func ContextWithFields(ctx context.Context, fields map[string]interface{}) context.Context {
	prev := FieldsFromContext(ctx)
	merged := make(map[string]interface{}, len(prev)+len(fields))
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return context.WithValue(ctx, contextKey{}, merged)
}

// FieldsFromContext returns the fields attached with ContextWithFields. The
// map must not be modified.
func FieldsFromContext(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(contextKey{}).(map[string]interface{})
	return fields
}
