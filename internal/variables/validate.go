package variables

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"hookAuction/internal/abidecode"
	"hookAuction/internal/model"
)

// ValidationError is one problem found while binding a template to a filter.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors lists every problem found, not just the first.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, v := range e {
		parts = append(parts, v.Error())
	}
	return "template invalid: " + strings.Join(parts, "; ")
}

var (
	placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.]*)\}`)
	structValidator    = validator.New()
)

// Placeholders returns the variable names referenced as ${name} in s.
func Placeholders(s string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(s, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// PlaceholderPattern matches ${name} tokens.
func PlaceholderPattern() *regexp.Regexp { return placeholderPattern }

// ValidateTemplate checks a template against the event ABI of the filter it
// will be bound to. It returns nil or a non-empty ValidationErrors.
func ValidateTemplate(tpl model.TransactionTemplate, eventABI string) error {
	var errs ValidationErrors

	if err := structValidator.Struct(tpl); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Field:   fe.Namespace(),
					Message: fmt.Sprintf("failed %q", fe.Tag()),
				})
			}
		} else {
			errs = append(errs, ValidationError{Field: "template", Message: err.Error()})
		}
	}

	event, err := abidecode.ParseEvent(eventABI)
	if err != nil {
		errs = append(errs, ValidationError{Field: "event_abi", Message: err.Error()})
		return errs
	}

	declared := make(map[string]struct{}, len(tpl.RequiredVariables))
	for i, ref := range tpl.RequiredVariables {
		field := fmt.Sprintf("required_variables[%d]", i)
		if _, dup := declared[ref.Name]; dup && ref.Name != "" {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate variable " + strconv.Quote(ref.Name)})
		}
		declared[ref.Name] = struct{}{}

		switch ref.Type {
		case model.VariableEvent:
			if msg := checkEventPath(event, ref.Path); msg != "" {
				errs = append(errs, ValidationError{Field: field + ".path", Message: msg})
			}
		case model.VariableSystem:
			if !IsSystemPath(ref.Path) {
				errs = append(errs, ValidationError{Field: field + ".path", Message: "unknown system path " + strconv.Quote(ref.Path)})
			}
		case model.VariableUser:
			if _, reason := resolveUser(ref.Path, oneAddress); reason != "" {
				errs = append(errs, ValidationError{Field: field + ".path", Message: reason})
			}
		}
	}

	for i, call := range tpl.Calls {
		field := fmt.Sprintf("calls[%d]", i)
		for _, s := range append([]string{call.Target, call.Value, call.CallData}, call.Args...) {
			for _, name := range Placeholders(s) {
				if _, ok := declared[name]; !ok {
					errs = append(errs, ValidationError{Field: field, Message: "placeholder ${" + name + "} is not a required variable"})
				}
			}
		}
		if call.Function != "" && call.CallData != "" {
			errs = append(errs, ValidationError{Field: field, Message: "call_data and function are mutually exclusive"})
		}
		if call.Function != "" {
			if _, err := abidecode.ParseFunction(call.Function); err != nil {
				errs = append(errs, ValidationError{Field: field + ".function", Message: err.Error()})
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// oneAddress stands in for a wallet when only the path shape is checked.
var oneAddress = common.Address{19: 1}

// checkEventPath returns a message when path cannot resolve against event.
func checkEventPath(event abi.Event, path string) string {
	segments := model.SplitPath(path)
	if len(segments) == 0 {
		return "empty path"
	}
	if segments[0] == eventArgsPrefix {
		segments = segments[1:]
	} else if len(segments) == 1 {
		if _, ok := eventFields[segments[0]]; ok {
			return ""
		}
	}
	if len(segments) == 0 {
		return "path names no argument"
	}

	var arg *abi.Argument
	for i := range event.Inputs {
		if event.Inputs[i].Name == segments[0] {
			arg = &event.Inputs[i]
			break
		}
	}
	if arg == nil {
		return fmt.Sprintf("event %s has no argument %q (has %s)", event.Name, segments[0], strings.Join(abidecode.ArgumentNames(event), ", "))
	}
	if len(segments) > 1 && arg.Indexed && hashedInTopic(arg.Type) {
		return fmt.Sprintf("indexed argument %q is only available as its topic hash", arg.Name)
	}
	return checkTypePath(arg.Type, segments[1:], arg.Name)
}

func checkTypePath(typ abi.Type, segments []string, at string) string {
	for _, segment := range segments {
		switch typ.T {
		case abi.TupleTy:
			found := -1
			for i, name := range typ.TupleRawNames {
				if name == segment {
					found = i
					break
				}
			}
			if found < 0 {
				return fmt.Sprintf("%s has no field %q", at, segment)
			}
			typ = *typ.TupleElems[found]
		case abi.SliceTy, abi.ArrayTy:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || (typ.T == abi.ArrayTy && idx >= typ.Size) {
				return fmt.Sprintf("%s has no element %q", at, segment)
			}
			typ = *typ.Elem
		default:
			return fmt.Sprintf("%s is a scalar %s", at, typ.String())
		}
		at += "." + segment
	}
	return ""
}

func hashedInTopic(typ abi.Type) bool {
	switch typ.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy, abi.ArrayTy, abi.TupleTy:
		return true
	}
	return false
}
