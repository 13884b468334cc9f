package expr

import (
	"math"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
)

type lib struct{}

func (lib) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		ext.Math(),
		ext.Strings(),
		ext.Lists(),

		cel.Constant("fs.CREATE", types.IntType, types.Int(fsnotify.Create)),
		cel.Constant("fs.REMOVE", types.IntType, types.Int(fsnotify.Remove)),
		cel.Constant("fs.WRITE", types.IntType, types.Int(fsnotify.Write)),
		cel.Constant("fs.RENAME", types.IntType, types.Int(fsnotify.Rename)),
		cel.Constant("fs.CHMOD", types.IntType, types.Int(fsnotify.Chmod)),

		// `has` macro and function for checking if an event has specific flags.
		// Example: fs.event.has(fs.WRITE).
		// Example: fs.event.has(fs.WRITE, fs.CREATE, fs.RENAME).
		cel.Macros(
			cel.ReceiverVarArgMacro("has", hasVarArgMacro),
		),
		cel.Function("@has",
			cel.Overload("@has_int_int", []*cel.Type{cel.IntType, cel.IntType}, cel.BoolType,
				cel.BinaryBinding(func(event, flag ref.Val) ref.Val {
					eventValue, err := opFromVal(event)
					if err != nil {
						return err
					}

					flagValue, err := opFromVal(flag)
					if err != nil {
						return err
					}

					return types.Bool(eventValue.Has(flagValue))
				}),
			),
			cel.Overload("@has_int_list_int", []*cel.Type{cel.IntType, cel.ListType(cel.IntType)}, cel.BoolType,
				cel.BinaryBinding(func(event, flags ref.Val) ref.Val {
					eventValue, errVal := opFromVal(event)
					if errVal != nil {
						return errVal
					}

					flagsList, ok := flags.(traits.Lister)
					if !ok {
						return types.NewErr("has: invalid flags list")
					}

					flagSize, ok := flagsList.Size().(types.Int)
					if !ok {
						return types.NewErr("has: invalid flags list size")
					}

					// The event matches when it has any of the listed flags.
					var mask int64
					for i := range flagSize {
						flagInt, ok := flagsList.Get(i).(types.Int)
						if !ok {
							return types.NewErr("has: invalid flag value in list")
						}

						mask |= int64(flagInt)
					}
					if mask > math.MaxUint32 {
						return types.NewErr("has: flag value out of range")
					}

					//nolint:gosec // G115: range checked above.
					return types.Bool(eventValue.Has(fsnotify.Op(mask)))
				}),
			),
		),

		// `pathBase` returns the last element of the path.
		// Example: pathBase(file) == "nginx.conf".
		cel.Function("pathBase",
			cel.Overload("path_base", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(wrapPathFunc("pathBase", filepath.Base)),
			),
		),

		// `pathDir` returns all but the last element of the path.
		// Example: pathDir(file).startsWith("/etc/nginx").
		cel.Function("pathDir",
			cel.Overload("path_dir", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(wrapPathFunc("pathDir", filepath.Dir)),
			),
		),

		// `pathExt` returns the file extension of the path.
		// Example: pathExt(file) in [".conf", ".yaml"].
		cel.Function("pathExt",
			cel.Overload("path_ext", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(wrapPathFunc("pathExt", filepath.Ext)),
			),
		),
	}
}

func (lib) ProgramOptions() []cel.ProgramOption {
	return []cel.ProgramOption{}
}

//nolint:ireturn // Following CEL's function signature.
func hasVarArgMacro(meh cel.MacroExprFactory, target ast.Expr, args []ast.Expr) (ast.Expr, *cel.Error) {
	switch len(args) {
	case 0:
		return nil, meh.NewError(target.ID(), "has() requires at least one argument")
	case 1:
		return meh.NewCall("@has", target, args[0]), nil
	default:
		return meh.NewCall("@has", target, meh.NewList(args...)), nil
	}
}

// opFromVal converts a CEL int into an [fsnotify.Op], range checked.
func opFromVal(v ref.Val) (fsnotify.Op, ref.Val) {
	intVal, ok := v.(types.Int)
	if !ok {
		return 0, types.NewErr("has: invalid event value")
	}

	i := int64(intVal)
	if i < 0 || i > math.MaxUint32 {
		return 0, types.NewErr("has: event value out of range")
	}

	//nolint:gosec // G115: range checked above.
	return fsnotify.Op(i), nil
}

func wrapPathFunc(name string, fn func(string) string) func(ref.Val) ref.Val {
	return func(path ref.Val) ref.Val {
		pathValue, ok := path.(types.String)
		if !ok {
			return types.NewErr("%s: invalid string value", name)
		}

		return types.String(fn(string(pathValue)))
	}
}
