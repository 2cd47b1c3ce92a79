package sandbox

import (
	"sort"

	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/logging"
)

// Catalog maps execution environment names to container images.
type Catalog struct {
	images map[string]string
	def    string
	logger logging.Logger
}

// NewCatalog builds the catalog from config. An empty or inconsistent
// default falls back to the first name in sorted order.
func NewCatalog(cfg config.SandboxConfig, logger logging.Logger) *Catalog {
	c := &Catalog{
		images: make(map[string]string, len(cfg.Environments)),
		def:    cfg.DefaultEnvironment,
		logger: logging.OrNop(logger),
	}
	for name, image := range cfg.Environments {
		if name != "" && image != "" {
			c.images[name] = image
		}
	}
	if _, ok := c.images[c.def]; !ok {
		names := c.Names()
		if len(names) > 0 {
			c.def = names[0]
		}
	}
	return c
}

// Names returns the configured environment names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.images))
	for name := range c.images {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select resolves a requested environment to a name and image. Unknown or
// empty names fall back to the default with a warning.
func (c *Catalog) Select(requested string) (string, string) {
	if image, ok := c.images[requested]; ok {
		return requested, image
	}
	if requested != "" {
		c.logger.Warn("unknown execution environment %q, using %q", requested, c.def)
	}
	return c.def, c.images[c.def]
}
