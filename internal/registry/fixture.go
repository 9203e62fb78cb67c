package registry

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/markymo/compass-sub003/internal/model"
)

// LoadCatalogFile reads a catalog from a YAML or JSON file. JSON is parsed by
// the YAML decoder since it is a subset.
func LoadCatalogFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, eris.Wrapf(err, "registry: read catalog %s", path)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, eris.Wrapf(err, "registry: parse catalog %s", filepath.Base(path))
	}
	if strings.TrimSpace(c.Version) == "" {
		c.Version = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return c, nil
}

// Load builds the registry from path, or from DefaultCatalog when path is empty.
func Load(path string) (*model.FieldRegistry, error) {
	c := DefaultCatalog()
	if path != "" {
		var err error
		c, err = LoadCatalogFile(path)
		if err != nil {
			return nil, err
		}
	}
	return Build(c)
}
