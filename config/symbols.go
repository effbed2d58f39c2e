package config

import (
	"github.com/jnesss/xpc-recorder/symbols"
	"github.com/jnesss/xpc-recorder/xpc"
)

// Resolver builds the session's symbol resolver from the configured
// sources. close releases any opened images.
func (c *Config) Resolver() (res xpc.Symbols, close func() error, err error) {
	close = func() error { return nil }

	var chain symbols.Chain
	if len(c.Symbols.Pinned) > 0 {
		chain = append(chain, symbols.Table(c.Symbols.Pinned))
	}
	if c.Symbols.File != "" {
		tbl, err := symbols.LoadFile(c.Symbols.File)
		if err != nil {
			return nil, close, err
		}
		chain = append(chain, tbl)
	}
	if len(c.Symbols.Images) > 0 {
		images, err := symbols.OpenImages(c.Arch, c.Symbols.Images)
		if err != nil {
			return nil, close, err
		}
		chain = append(chain, images)
		close = images.Close
	}

	size := c.Symbols.CacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := symbols.NewCache(chain, size)
	if err != nil {
		close()
		return nil, func() error { return nil }, err
	}
	return cache, close, nil
}
