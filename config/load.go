package config

import (
	"bytes"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a yaml document at path into a Config and validates it.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("failed to read config path=%s, err=%w", path, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	return Parse(buf)
}

func Parse(buf []byte) (*Config, error) {
	c := &Config{}

	decoder := yaml.NewDecoder(bytes.NewReader(buf))
	decoder.KnownFields(true)
	err := decoder.Decode(c)
	if err != nil {
		err = fmt.Errorf("failed to decode config, err=%w", err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	err = c.Validate()
	if err != nil {
		return nil, err
	}

	return c, nil
}
