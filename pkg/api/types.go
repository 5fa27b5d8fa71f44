package api

import "reflect"

// TypeTag is the discriminator used to route step outputs and to validate
// resume inputs. Tags are stable strings so they survive persistence.
type TypeTag string

// Tagged lets a payload type supply its own discriminator instead of the
// package-qualified Go type name. The method must return the same tag for
// every value of the type, including the zero value.
type Tagged interface {
	TypeTag() TypeTag
}

var taggedType = reflect.TypeFor[Tagged]()

// TypeOf returns the tag for values of type T.
func TypeOf[T any]() TypeTag {
	return TagOfType(reflect.TypeFor[T]())
}

// TagOf returns the tag of v's dynamic type. A nil value has the empty tag.
func TagOf(v any) TypeTag {
	if v == nil {
		return ""
	}
	if t, ok := v.(Tagged); ok {
		return t.TypeTag()
	}
	return qualifiedName(reflect.TypeOf(v))
}

// TagOfType returns the tag for a reflect.Type.
func TagOfType(t reflect.Type) TypeTag {
	if t == nil {
		return ""
	}
	switch {
	case t.Kind() == reflect.Interface || !t.Implements(taggedType):
	case t.Kind() == reflect.Pointer:
		return reflect.New(t.Elem()).Interface().(Tagged).TypeTag()
	default:
		return reflect.Zero(t).Interface().(Tagged).TypeTag()
	}
	return qualifiedName(t)
}

func qualifiedName(t reflect.Type) TypeTag {
	if t.Name() != "" && t.PkgPath() != "" {
		return TypeTag(t.PkgPath() + "." + t.Name())
	}
	return TypeTag(t.String())
}
