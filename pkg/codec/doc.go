// Package codec implements the extensible serialization registry used to carry
// deferred calls across the queue boundary.
//
// Values are converted to a tagged structural form made only of JSON-compatible
// primitives. Non-native values become maps carrying a "__class__" tag plus named
// fields, for example a decimal becomes
//
//	{"__class__": "Decimal", "decimal": "3.141592653589793"}
//
// Decoding walks the structure bottom-up and hands every tagged map to the decoder
// registered for its tag. Maps without a recognised tag are returned unchanged.
//
// # Built-in variants
//
//	time.Time        datetime   year, month, day, hour, minute, second, microsecond
//	Date             date       year, month, day
//	Time             time       hour, minute, second, microsecond
//	time.Duration    timedelta  seconds (float)
//	[]byte           bytes      base64
//	decimal.Decimal  Decimal    decimal (exact text)
//	entity.Entity    Model      repr ("<type>,<id>")
//
// Domain entities are always encoded as references, never with field data. When
// a Model structure is decoded with an entity.Resolver in the context, the entity
// is re-fetched through it; otherwise an entity.Ref is returned.
//
// # Registration
//
// Encoders and decoders are registered during process bootstrap. Registering the
// same type or tag twice fails, and Freeze closes the registration window:
//
//	reg := codec.NewRegistry()
//	reg.MustRegisterEncoder(reflect.TypeOf(Money{}), encodeMoney)
//	reg.MustRegisterDecoder("money", decodeMoney)
//	reg.Freeze()
//
// # Wire formats
//
// The structural form is turned into bytes by a Format identified by its content
// type ("application/x-<name>"). JSONFormat and MsgpackFormat are provided and can
// coexist on the same queue.
package codec
