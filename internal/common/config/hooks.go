package config

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// CustomHooks are the decoder options applied whenever a viper instance
// unmarshals into a configuration struct. Hooks are composed into a single
// DecodeHook because a later viper.DecodeHook option replaces, not extends,
// an earlier one.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		LogLevelDecodeHook(),
	)),
}

// LogLevelDecodeHook parses logrus level names, so a config file can say
// `logLevel: warn` for a logrus.Level field.
func LogLevelDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(logrus.InfoLevel) {
			return data, nil
		}
		return logrus.ParseLevel(data.(string))
	}
}
