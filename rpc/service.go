package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"apphost/packet"

	"github.com/bytedance/sonic"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// NewMethodTable 扫描 rcvr 的导出方法，生成方法表
//
// A method qualifies when its first parameter is a context.Context and it returns
// either (R, error) or error. The remaining parameters are the call arguments, decoded
// from JSON in order. The table key is the method name with its first letter lowered,
// so Echo is called as "echo".
func NewMethodTable(rcvr any) (MethodTable, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	val := reflect.ValueOf(rcvr)

	table := make(MethodTable)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mt := method.Type
		if mt.NumIn() < 2 || mt.In(1) != contextType {
			continue
		}
		switch {
		case mt.NumOut() == 1 && mt.Out(0) == errorType:
		case mt.NumOut() == 2 && mt.Out(1) == errorType:
		default:
			continue
		}
		table[lowerFirst(method.Name)] = reflectMethod(val, method)
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("rpc: %s has no callable methods", typ)
	}
	return table, nil
}

func reflectMethod(rcvr reflect.Value, method reflect.Method) Method {
	mt := method.Type
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		in := make([]reflect.Value, mt.NumIn())
		in[0] = rcvr
		in[1] = reflect.ValueOf(ctx)
		for i := 2; i < mt.NumIn(); i++ {
			argv := reflect.New(mt.In(i))
			if j := i - 2; j < len(args) && len(args[j]) > 0 {
				if err := sonic.Unmarshal(args[j], argv.Interface()); err != nil {
					return nil, Errorf(packet.CodeBadArgs, "argument %d: %v", j, err)
				}
			}
			in[i] = argv.Elem()
		}

		out := method.Func.Call(in)
		errv := out[len(out)-1]
		if !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		if len(out) == 1 {
			return nil, nil
		}
		return out[0].Interface(), nil
	}
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}
