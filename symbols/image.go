package symbols

import (
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

// Image is a Mach-O file loaded in the target at Slide bytes past its
// preferred address.
type Image struct {
	Path  string `yaml:"path"`
	Slide uint64 `yaml:"slide"`
}

type loadedImage struct {
	Image
	file *macho.File
	fat  *macho.FatFile
}

// ImageResolver looks symbols up in the symbol tables of on-disk images.
type ImageResolver struct {
	images []loadedImage
}

// cpuFor maps an architecture name to the Mach-O CPU type.
func cpuFor(arch string) (types.CPU, error) {
	switch arch {
	case "arm64", "arm64e", "aarch64":
		return types.CPUArm64, nil
	case "amd64", "x86_64":
		return types.CPUAmd64, nil
	}
	return 0, fmt.Errorf("unsupported architecture %q", arch)
}

// OpenImages opens every image, choosing the arch slice out of universal
// binaries. Images that cannot be opened are skipped with a warning.
func OpenImages(arch string, images []Image) (*ImageResolver, error) {
	cpu, err := cpuFor(arch)
	if err != nil {
		return nil, err
	}
	r := &ImageResolver{}
	for _, img := range images {
		li, err := openImage(img, cpu)
		if err != nil {
			log.WithField("image", img.Path).Warnf("Warning: skipping image: %v", err)
			continue
		}
		r.images = append(r.images, li)
	}
	if len(r.images) == 0 && len(images) > 0 {
		return nil, errors.New("no image could be opened")
	}
	return r, nil
}

func openImage(img Image, cpu types.CPU) (loadedImage, error) {
	if fat, err := macho.OpenFat(img.Path); err == nil {
		for _, a := range fat.Arches {
			if a.CPU == cpu {
				return loadedImage{Image: img, file: a.File, fat: fat}, nil
			}
		}
		fat.Close()
		return loadedImage{}, fmt.Errorf("no %s slice in %s", cpu, img.Path)
	}
	f, err := macho.Open(img.Path)
	if err != nil {
		return loadedImage{}, fmt.Errorf("failed to open Mach-O %s: %v", img.Path, err)
	}
	if f.CPU != cpu {
		f.Close()
		return loadedImage{}, fmt.Errorf("%s is %s, not %s", img.Path, f.CPU, cpu)
	}
	return loadedImage{Image: img, file: f}, nil
}

// ResolveSymbol implements xpc.Symbols. The first image exporting the name
// wins.
func (r *ImageResolver) ResolveSymbol(name string) (uint64, error) {
	for _, img := range r.images {
		for _, n := range candidates(name) {
			addr, err := img.file.FindSymbolAddress(n)
			if err == nil && addr != 0 {
				return addr + img.Slide, nil
			}
		}
	}
	return 0, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Close releases the underlying files.
func (r *ImageResolver) Close() error {
	var errs []error
	for _, img := range r.images {
		var err error
		if img.fat != nil {
			err = img.fat.Close()
		} else {
			err = img.file.Close()
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	r.images = nil
	return errors.Join(errs...)
}
