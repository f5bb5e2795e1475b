// Package entity describes the host-side collaborator that resolves entity type
// names to callable types and entity references to live instances.
//
// The package never stores domain objects itself. Host applications register a
// Type per entity (for example "widget") and the deferred-call machinery uses the
// Registry to:
//
//   - resolve an entity type name to a Type when a payload targets a type-level method
//   - re-fetch an instance by identity inside the worker's own session
//   - invoke a named method with positional and keyword arguments
//
// # Invocation
//
// Dynamic "call this method on this object" dispatch is modelled with the
// Invocable interface. MethodSet is a convenient map-based implementation:
//
//	widgets := entity.Define("widget",
//	    func(ctx context.Context, id int64) (entity.Entity, error) {
//	        return loadWidget(ctx, id)
//	    },
//	    entity.MethodSet{
//	        "search": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
//	            return searchWidgets(ctx, args...)
//	        },
//	    },
//	)
//
//	reg := entity.NewRegistry()
//	reg.MustRegister(widgets)
//
// # References
//
// Ref is the plain {type, id} handle carried across process boundaries. Its
// textual form is "<type>,<id>" and is parsed back with ParseRef.
package entity
