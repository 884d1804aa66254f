// internal/driver/args.go
package driver

import "fmt"

// StringArg returns args[i] when it is a string.
func StringArg(args []any, i int, what string) (string, error) {
	if len(args) <= i {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidArgument, what)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidArgument, what, args[i])
	}
	return s, nil
}

// ValueArg returns args[i] as text. Only strings and numbers are accepted,
// special keys go through a dedicated keys command instead.
func ValueArg(args []any, i int) (string, error) {
	if len(args) <= i {
		return "", fmt.Errorf("%w: missing value", ErrInvalidArgument)
	}
	switch v := args[i].(type) {
	case string:
		return v, nil
	case int, int32, int64, float32, float64:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("%w: the setValue/addValue command only take string or number values, got %T", ErrInvalidArgument, v)
	}
}

// ElementArg reads the element reference element-scoped commands receive first.
// A bare string is taken as a CSS selector.
func ElementArg(args []any) (Element, error) {
	if len(args) == 0 {
		return Element{}, fmt.Errorf("%w: missing element", ErrInvalidArgument)
	}
	switch el := args[0].(type) {
	case Element:
		return el, nil
	case *Element:
		if el != nil {
			return *el, nil
		}
	case string:
		return Element{Selector: el}, nil
	}
	return Element{}, fmt.Errorf("%w: expected element, got %T", ErrInvalidArgument, args[0])
}
