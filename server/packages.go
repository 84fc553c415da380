package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrAppNotFound is returned when the package registry does not know an app.
var ErrAppNotFound = errors.New("server: app not found")

// Resources locates an app's UI entry point.
type Resources struct {
	Path  string `json:"path"`
	Index string `json:"index"`
}

// StartOptions controls the view an app is opened in.
type StartOptions struct {
	View      ViewType `json:"view"`
	ViewFlags []string `json:"viewFlags"`
}

// Package is the manifest of an installed app.
type Package struct {
	Name      string       `json:"name"`
	Main      string       `json:"main"` // Service executable, empty for UI-only apps
	Resources Resources    `json:"resources"`
	Start     StartOptions `json:"start"`
}

// AppStartInfo is everything needed to start an app.
type AppStartInfo struct {
	AppPath string  `json:"appPath"`
	Package Package `json:"package"`
}

// ServicePath returns the service executable, resolved against AppPath when relative.
func (i AppStartInfo) ServicePath() string {
	if i.Package.Main == "" || filepath.IsAbs(i.Package.Main) {
		return i.Package.Main
	}
	return filepath.Join(i.AppPath, i.Package.Main)
}

var httpURL = regexp.MustCompile(`^https?://`)

// ViewURL returns the URL the app's view loads. An http(s) index is used as is;
// anything else is served under the app:// scheme.
func (i AppStartInfo) ViewURL() string {
	index := i.Package.Resources.Index
	if httpURL.MatchString(index) {
		return index
	}
	if index == "" {
		index = "index.html"
	}
	return fmt.Sprintf("app://%s/%s%s", i.Package.Name, i.Package.Resources.Path, index)
}

// PackageRegistry resolves app names to start information.
type PackageRegistry interface {
	GetAppStartInfo(ctx context.Context, name string) (AppStartInfo, error)
	GetShellAppStartInfo(ctx context.Context) (AppStartInfo, error)
}

// StaticPackages is an in-memory PackageRegistry.
type StaticPackages struct {
	Shell string
	Apps  map[string]AppStartInfo
}

// ParsePackages builds a StaticPackages from "name=executable" pairs separated by
// commas. The first entry is the shell.
func ParsePackages(s string) (*StaticPackages, error) {
	pkgs := &StaticPackages{Apps: make(map[string]AppStartInfo)}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, main, ok := strings.Cut(item, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("server: bad package entry %q", item)
		}
		pkgs.Add(AppStartInfo{
			AppPath: filepath.Dir(main),
			Package: Package{Name: name, Main: main},
		})
		if pkgs.Shell == "" {
			pkgs.Shell = name
		}
	}
	return pkgs, nil
}

// Add registers info under its package name.
func (p *StaticPackages) Add(info AppStartInfo) {
	if p.Apps == nil {
		p.Apps = make(map[string]AppStartInfo)
	}
	p.Apps[info.Package.Name] = info
}

func (p *StaticPackages) GetAppStartInfo(_ context.Context, name string) (AppStartInfo, error) {
	info, ok := p.Apps[name]
	if !ok {
		return AppStartInfo{}, fmt.Errorf("%w: %s", ErrAppNotFound, name)
	}
	return info, nil
}

func (p *StaticPackages) GetShellAppStartInfo(ctx context.Context) (AppStartInfo, error) {
	if p.Shell == "" {
		return AppStartInfo{}, fmt.Errorf("%w: no shell configured", ErrAppNotFound)
	}
	return p.GetAppStartInfo(ctx, p.Shell)
}
