package repl

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/dop251/goja"
)

// Node tags.
const (
	tagValue     = "v"
	tagUndefined = "u"
	tagDate      = "d"
	tagArray     = "a"
	tagObject    = "o"
	tagMap       = "m"
	tagSet       = "s"
)

// node is the tagged encoding of a value that plain JSON would distort:
// dates, maps, sets and undefined inside containers. Object keys keep
// their order. Map items alternate key and value.
type node struct {
	T     string          `json:"t"`
	V     json.RawMessage `json:"v,omitempty"`
	Keys  []string        `json:"keys,omitempty"`
	Items []node          `json:"items,omitempty"`
}

// walk encodes v as a node. tagged reports whether anything in v needs
// the tagged form. Values without a faithful encoding fail.
func (i *Interpreter) walk(v goja.Value, seen map[*goja.Object]struct{}) (n node, tagged bool, err error) {
	switch {
	case v == nil || goja.IsUndefined(v):
		return node{T: tagUndefined}, true, nil
	case goja.IsNull(v):
		return node{T: tagValue, V: json.RawMessage("null")}, false, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return primitive(v)
	}
	if _, ok := goja.AssertFunction(v); ok {
		return n, false, errNestedFunction
	}
	if _, ok := seen[obj]; ok {
		return n, false, errCyclic
	}
	seen[obj] = struct{}{}
	defer delete(seen, obj)

	switch cls := obj.ClassName(); cls {
	case "Date":
		iso, err := i.isoString(obj)
		if err != nil {
			return n, false, err
		}
		raw, _ := json.Marshal(iso)
		return node{T: tagDate, V: raw}, true, nil

	case "Array":
		length := obj.Get("length").ToInteger()
		n = node{T: tagArray, Items: make([]node, 0, length)}
		for k := int64(0); k < length; k++ {
			item, t, err := i.walk(obj.Get(strconv.FormatInt(k, 10)), seen)
			if err != nil {
				return n, false, fmt.Errorf("[%d]: %w", k, err)
			}
			tagged = tagged || t
			n.Items = append(n.Items, item)
		}
		return n, tagged, nil

	case "Map", "Set":
		entries, err := i.entries(obj)
		if err != nil {
			return n, false, err
		}
		n = node{T: tagSet}
		if cls == "Map" {
			n.T = tagMap
		}
		for k, e := range entries {
			parts := []goja.Value{e}
			if n.T == tagMap {
				pair := e.ToObject(i.vm)
				parts = []goja.Value{pair.Get("0"), pair.Get("1")}
			}
			for _, part := range parts {
				item, _, err := i.walk(part, seen)
				if err != nil {
					return n, false, fmt.Errorf("%s entry %d: %w", cls, k, err)
				}
				n.Items = append(n.Items, item)
			}
		}
		return n, true, nil

	case "Object":
		if proto := obj.Prototype(); proto != nil && !proto.SameAs(i.objectProto) {
			return n, false, fmt.Errorf("instance of %s is not a plain object", constructorName(obj))
		}
		n = node{T: tagObject}
		for _, key := range obj.Keys() {
			item, t, err := i.walk(obj.Get(key), seen)
			if err != nil {
				return n, false, fmt.Errorf("%s: %w", key, err)
			}
			tagged = tagged || t
			n.Keys = append(n.Keys, key)
			n.Items = append(n.Items, item)
		}
		return n, tagged, nil

	default:
		return n, false, fmt.Errorf("%s values are not serializable", cls)
	}
}

func primitive(v goja.Value) (node, bool, error) {
	if _, ok := v.(*goja.Symbol); ok {
		return node{}, false, errors.New("symbols are not serializable")
	}
	exp := v.Export()
	switch x := exp.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return node{}, false, fmt.Errorf("non-finite number %v", x)
		}
	case *big.Int:
		return node{}, false, errors.New("bigint values are not serializable")
	}
	raw, err := json.Marshal(exp)
	if err != nil {
		return node{}, false, err
	}
	return node{T: tagValue, V: raw}, false, nil
}

// entries lists a Map's [key, value] pairs or a Set's values.
func (i *Interpreter) entries(obj *goja.Object) ([]goja.Value, error) {
	var out goja.Value
	var err error
	if ex := i.vm.Try(func() { out, err = i.arrayFrom(i.vm.Get("Array"), obj) }); ex != nil {
		return nil, ex
	}
	if err != nil {
		return nil, err
	}
	arr := out.ToObject(i.vm)
	length := arr.Get("length").ToInteger()
	items := make([]goja.Value, 0, length)
	for k := int64(0); k < length; k++ {
		items = append(items, arr.Get(strconv.FormatInt(k, 10)))
	}
	return items, nil
}

func constructorName(obj *goja.Object) string {
	if c, ok := obj.Get("constructor").(*goja.Object); ok {
		if name := c.Get("name"); name != nil && name.String() != "" {
			return name.String()
		}
	}
	return "an unnamed class"
}

// build turns a node back into a runtime value. It must run inside
// vm.Try, since constructors and setters can throw.
func (i *Interpreter) build(n node) (goja.Value, error) {
	switch n.T {
	case tagValue:
		if len(n.V) == 0 {
			return nil, errors.New("tagged value without data")
		}
		return i.parse(goja.Undefined(), i.vm.ToValue(string(n.V)))

	case tagUndefined:
		return goja.Undefined(), nil

	case tagDate:
		var iso string
		if err := json.Unmarshal(n.V, &iso); err != nil {
			return nil, err
		}
		return i.vm.New(i.vm.Get("Date"), i.vm.ToValue(iso))

	case tagArray:
		items := make([]any, 0, len(n.Items))
		for _, item := range n.Items {
			v, err := i.build(item)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return i.vm.NewArray(items...), nil

	case tagObject:
		if len(n.Keys) != len(n.Items) {
			return nil, errors.New("tagged object keys and values differ in length")
		}
		obj := i.vm.NewObject()
		for k, key := range n.Keys {
			v, err := i.build(n.Items[k])
			if err != nil {
				return nil, err
			}
			if err := obj.Set(key, v); err != nil {
				return nil, err
			}
		}
		return obj, nil

	case tagMap, tagSet:
		ctor, method, step := "Set", "add", 1
		if n.T == tagMap {
			ctor, method, step = "Map", "set", 2
			if len(n.Items)%2 != 0 {
				return nil, errors.New("tagged map has an odd number of items")
			}
		}
		obj, err := i.vm.New(i.vm.Get(ctor))
		if err != nil {
			return nil, err
		}
		add, ok := goja.AssertFunction(obj.Get(method))
		if !ok {
			return nil, fmt.Errorf("%s.%s is not a function", ctor, method)
		}
		for k := 0; k < len(n.Items); k += step {
			args := make([]goja.Value, 0, step)
			for _, item := range n.Items[k : k+step] {
				v, err := i.build(item)
				if err != nil {
					return nil, err
				}
				args = append(args, v)
			}
			if _, err := add(obj, args...); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}
	return nil, fmt.Errorf("unknown tag %q", n.T)
}
