package confstore

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jvs-project/replvol/pkg/errclass"
)

// Attrs are the named attribute overrides of a request, keyed by the
// option name (e.g. "ping-timeout").
type Attrs map[string]string

// yamlFields maps option names to the struct field index of t.
func yamlFields(t reflect.Type) map[string]int {
	out := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			continue
		}
		out[name] = i
	}
	return out
}

// OptionNames lists the option names understood for records of type T.
func OptionNames[T any]() []string {
	var zero T
	fields := yamlFields(reflect.TypeOf(zero))
	out := make([]string, 0, len(fields))
	for n := range fields {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// apply decodes attrs onto dst. Invariant options may only be given when
// allowInvariants is set, unless they repeat the current value.
func apply[T any](dst *T, attrs Attrs, invariants []string, allowInvariants bool) error {
	if len(attrs) == 0 {
		return nil
	}
	rv := reflect.ValueOf(dst).Elem()
	fields := yamlFields(rv.Type())
	before := *dst

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range keys {
		idx, ok := fields[k]
		if !ok {
			return errclass.ErrMandatoryTag.WithMessagef("unknown option %q", k)
		}
		val := &yaml.Node{Kind: yaml.ScalarNode, Value: attrs[k]}
		if rv.Field(idx).Kind() == reflect.String {
			val.Tag = "!!str"
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}, val)
	}

	if err := node.Decode(dst); err != nil {
		return errclass.ErrMandatoryTag.WithMessagef("%v", err)
	}

	if allowInvariants {
		return nil
	}
	old := reflect.ValueOf(&before).Elem()
	for _, k := range keys {
		if !slices.Contains(invariants, k) {
			continue
		}
		idx := fields[k]
		if !reflect.DeepEqual(old.Field(idx).Interface(), rv.Field(idx).Interface()) {
			return errclass.ErrMandatoryTag.WithMessagef("can not change invariant setting %q", k)
		}
	}
	return nil
}

// Decode applies attrs to the request parameters in dst. Unknown names
// are rejected the same way as for configuration records.
func Decode[T any](dst *T, attrs Attrs) error {
	return apply(dst, attrs, nil, true)
}
