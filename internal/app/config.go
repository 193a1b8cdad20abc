package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

func initConfig() *config.Config {
	return (&config.Config{App: app}).GetDefaults()
}

// loadConfig replaces cfg in place so holders of the pointer see reloads.
func loadConfig() {
	newCfg := initConfig()
	newCfg.Load(app.Name, flags.config)
	*cfg = *newCfg
}

// dumpConfig prints the value at the dotted path given to --dump and exits,
// with status 1 when the path does not resolve.
func dumpConfig() {
	y, err := yaml.Marshal(cfg)
	if err != nil {
		log.Fatalf("failed to marshal config: %s", err)
	}

	var root interface{}
	if err := yaml.Unmarshal(y, &root); err != nil {
		log.Fatalf("failed to unmarshal config: %s", err)
	}

	v, ok := root, true
	if flags.dump != "all" {
		v, ok = lookupPath(root, strings.Split(flags.dump, "."))
	}
	if !ok || v == nil {
		os.Exit(1)
	}

	b, _ := yaml.Marshal(v)
	fmt.Print(string(b))
	os.Exit(0)
}

func lookupPath(v interface{}, keys []string) (interface{}, bool) {
	for _, key := range keys {
		switch node := v.(type) {
		case map[string]interface{}:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			v = next
		case []interface{}:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			v = node[i]
		default:
			return nil, false
		}
	}
	return v, true
}
