package resolver

import (
	"path/filepath"
	"strings"
)

// CgoFlags renders the linker flags that bind loc at build time, for use as
// CGO_LDFLAGS when building with the enginebind_static tag. Dynamic libraries get an
// rpath to their directory so the runtime loader finds them without environment setup.
//
// The -l name comes from the resolved file. A file outside the platform's naming
// convention is passed to the linker by full path instead.
func CgoFlags(p Platform, loc ArtifactLocation) string {
	flags := []string{"-L" + loc.Dir}
	if name, ok := p.linkName(loc); ok {
		flags = append(flags, "-l"+name)
	} else {
		flags = append(flags, loc.Path)
	}
	switch loc.Kind {
	case KindStaticArchive:
		flags = append(flags, p.StaticDeps...)
	case KindDynamicLibrary:
		if p.GOOS != "windows" {
			flags = append(flags, "-Wl,-rpath,"+loc.Dir)
		}
	}
	return strings.Join(flags, " ")
}

// linkName strips the platform prefix and suffix from the artifact file name.
func (p Platform) linkName(loc ArtifactLocation) (string, bool) {
	if loc.Path == "" {
		return loc.Name, loc.Name != ""
	}
	prefix, suffix := p.DynamicPrefix, p.DynamicSuffix
	if loc.Kind == KindStaticArchive {
		prefix, suffix = p.StaticPrefix, p.StaticSuffix
	}
	base := filepath.Base(loc.Path)
	if !strings.HasPrefix(base, prefix) || !strings.HasSuffix(base, suffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(base, prefix), suffix)
	return name, name != ""
}
