package config

import (
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

// applyEnvOverrides 按env标签用环境变量覆盖字段
func applyEnvOverrides(v interface{}) error {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Ptr {
		return errors.New("config instance must be a pointer")
	}
	return applyEnvToStruct(val.Elem())
}

func applyEnvToStruct(val reflect.Value) error {
	if val.Kind() != reflect.Struct {
		return nil
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		if !field.CanSet() {
			continue
		}

		if key := typ.Field(i).Tag.Get("env"); key != "" {
			if raw, ok := os.LookupEnv(key); ok && raw != "" {
				if err := setFieldValue(field, raw); err != nil {
					return errors.Wrapf(err, "env %s", key)
				}
			}
		}

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return errors.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}
