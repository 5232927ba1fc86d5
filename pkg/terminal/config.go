package terminal

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/nucleo-dbg/nkd/pkg/config"
	"github.com/nucleo-dbg/nkd/service/api"
)

func configureCmd(t *Term, ctx callContext, args string) error {
	switch args {
	case "-list":
		return configureList(t)
	case "-save":
		return config.SaveConfig(t.conf)
	case "":
		return fmt.Errorf("wrong number of arguments to \"config\"")
	default:
		return configureSet(t, args)
	}
}

type configureIterator struct {
	cfgValue reflect.Value
	cfgType  reflect.Type
	i        int
}

func iterateConfiguration(conf *config.Config) *configureIterator {
	cfgValue := reflect.ValueOf(conf).Elem()
	cfgType := cfgValue.Type()

	return &configureIterator{cfgValue, cfgType, -1}
}

func (it *configureIterator) Next() bool {
	it.i++
	return it.i < it.cfgValue.NumField()
}

func (it *configureIterator) Field() (name string, field reflect.Value) {
	name = it.cfgType.Field(it.i).Tag.Get("yaml")
	if comma := strings.Index(name, ","); comma >= 0 {
		name = name[:comma]
	}
	field = it.cfgValue.Field(it.i)
	return
}

func configureFindFieldByName(conf *config.Config, name string) reflect.Value {
	it := iterateConfiguration(conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == name {
			return field
		}
	}
	return reflect.ValueOf(nil)
}

func configureList(t *Term) error {
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)

	it := iterateConfiguration(t.conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == "" {
			continue
		}

		switch {
		case field.Kind() == reflect.Ptr && field.IsNil():
			fmt.Fprintf(w, "%s\t<not defined>\n", fieldName)
		case field.Kind() == reflect.Ptr && field.Elem().Kind() == reflect.Uint64:
			fmt.Fprintf(w, "%s\t%#x\n", fieldName, field.Elem().Uint())
		case field.Kind() == reflect.Ptr:
			fmt.Fprintf(w, "%s\t%v\n", fieldName, field.Elem())
		default:
			fmt.Fprintf(w, "%s\t%v\n", fieldName, field)
		}
	}
	return w.Flush()
}

func configureSet(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}

	cfgname := v[0]
	rest := v[1:]

	if cfgname == "alias" {
		return configureSetAlias(t, rest)
	}

	field := configureFindFieldByName(t.conf, cfgname)
	if !field.CanAddr() {
		return fmt.Errorf("%q is not a configuration parameter", cfgname)
	}

	if field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String {
		field.Set(reflect.ValueOf(append([]string(nil), rest...)))
		return nil
	}

	if len(rest) != 1 {
		return fmt.Errorf("wrong number of arguments to \"config %s\"", cfgname)
	}
	arg := rest[0]

	simpleArg := func(typ reflect.Type) (reflect.Value, error) {
		switch typ.Kind() {
		case reflect.Int:
			n, err := strconv.Atoi(arg)
			if err != nil {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be a number", cfgname)
			}
			if n < 0 {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be a number greater than zero", cfgname)
			}
			return reflect.ValueOf(&n), nil
		case reflect.Uint64:
			n, err := strconv.ParseUint(arg, 0, 64)
			if err != nil {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be an address", cfgname)
			}
			return reflect.ValueOf(&n), nil
		case reflect.Bool:
			v := arg == "true"
			return reflect.ValueOf(&v), nil
		case reflect.String:
			return reflect.ValueOf(&arg), nil
		default:
			return reflect.ValueOf(nil), fmt.Errorf("unsupported type for configuration key %q", cfgname)
		}
	}

	if field.Kind() == reflect.Ptr {
		val, err := simpleArg(field.Type().Elem())
		if err != nil {
			return err
		}
		field.Set(val)
	} else {
		val, err := simpleArg(field.Type())
		if err != nil {
			return err
		}
		field.Set(val.Elem())
	}
	t.applyConfig()
	return nil
}

// applyConfig makes the parameters that can change during a session
// effective.
func (t *Term) applyConfig() {
	if t.debugger != nil {
		t.debugger.SetMaxQueueNodes(t.conf.QueueNodes())
	}
	if t.conf.NoColor {
		t.style = api.StylePlain
	}
}

func configureSetAlias(t *Term, argv []string) error {
	switch len(argv) {
	case 1: // delete alias rule
		for k := range t.conf.Aliases {
			v := t.conf.Aliases[k]
			for i := 0; i < len(v); i++ {
				if v[i] == argv[0] {
					v = append(v[:i], v[i+1:]...)
					i--
				}
			}
			t.conf.Aliases[k] = v
		}
	case 2: // add alias rule
		alias := argv[1]
		c, ok := t.cmds.Find(argv[0])
		if !ok {
			return fmt.Errorf("unknown command %q", argv[0])
		}
		cmd := c.aliases[0]
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		t.conf.Aliases[cmd] = append(t.conf.Aliases[cmd], alias)
	default:
		return fmt.Errorf("wrong number of arguments to \"config alias\"")
	}
	t.cmds.Merge(t.conf.Aliases)
	t.updateCompletions()
	return nil
}
