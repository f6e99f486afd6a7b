package resolver

import (
	"fmt"
	"strings"
)

// Profile is a build configuration whose output lands in its own directory.
type Profile string

const (
	Release        Profile = "Release"
	RelWithDebInfo Profile = "RelWithDebInfo"
	MinSizeRel     Profile = "MinSizeRel"
	Debug          Profile = "Debug"
)

// SearchOrder is the order profiles are tried in when none is forced.
var SearchOrder = []Profile{Release, RelWithDebInfo, MinSizeRel, Debug}

// ParseProfile normalizes the case of well-known profiles and keeps custom ones
// verbatim.
func ParseProfile(s string) Profile {
	s = strings.TrimSpace(s)
	for _, p := range SearchOrder {
		if strings.EqualFold(s, string(p)) {
			return p
		}
	}
	return Profile(s)
}

// Link says which artifact kind the caller accepts at the resolved location.
type Link string

const (
	LinkAuto    Link = "auto"
	LinkStatic  Link = "static"
	LinkDynamic Link = "dynamic"
)

// ParseLink parses a link preference; the empty string means auto.
func ParseLink(s string) (Link, error) {
	switch l := Link(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return LinkAuto, nil
	case LinkAuto, LinkStatic, LinkDynamic:
		return l, nil
	default:
		return "", fmt.Errorf("unknown link preference %q (want auto, static or dynamic)", s)
	}
}

// Kind tags an ArtifactLocation.
type Kind string

const (
	KindStaticArchive  Kind = "static-archive"
	KindDynamicLibrary Kind = "dynamic-library"
)

// Source records which configuration layer decided the artifact.
type Source string

const (
	SourceProgrammatic Source = "programmatic"
	SourceEnv          Source = "env"
	SourcePrebuilt     Source = "prebuilt"
)
