package config

import "reflect"

type EnvVar struct {
	Name     string // short name under the SCAMBIO_ prefix (e.g., "DATADIR")
	FullName string // e.g., "SCAMBIO_DATADIR"
	Default  string // default value as a string ("" if none)
	Info     string // one-liner for docs
}

// EnvSpecs builds the environment variable documentation directly from the
// Config struct tags, so the spec can never drift from the loader.
func EnvSpecs() []EnvVar {
	const prefix = "SCAMBIO_"

	t := reflect.TypeOf(Config{})
	specs := make([]EnvVar, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Tag.Get("mapstructure")
		if name == "" {
			continue
		}
		specs = append(specs, EnvVar{
			Name:     name,
			FullName: prefix + name,
			Default:  f.Tag.Get("envDefault"),
			Info:     f.Tag.Get("envInfo"),
		})
	}
	return specs
}
