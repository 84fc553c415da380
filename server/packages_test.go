package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePackages(t *testing.T) {
	pkgs, err := ParsePackages("shell=/opt/apps/shell/bin/shell, notes=/opt/apps/notes/notes")
	require.NoError(t, err)
	assert.Equal(t, "shell", pkgs.Shell)

	info, err := pkgs.GetShellAppStartInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/opt/apps/shell/bin", info.AppPath)
	assert.Equal(t, "/opt/apps/shell/bin/shell", info.ServicePath())

	_, err = pkgs.GetAppStartInfo(context.Background(), "notes")
	require.NoError(t, err)

	_, err = ParsePackages("=broken")
	assert.Error(t, err)

	empty, err := ParsePackages("")
	require.NoError(t, err)
	_, err = empty.GetShellAppStartInfo(context.Background())
	assert.ErrorIs(t, err, ErrAppNotFound)
}

func TestServicePath(t *testing.T) {
	info := AppStartInfo{AppPath: "/opt/apps/notes", Package: Package{Name: "notes", Main: "bin/notes"}}
	assert.Equal(t, "/opt/apps/notes/bin/notes", info.ServicePath())

	info.Package.Main = "/usr/bin/notes"
	assert.Equal(t, "/usr/bin/notes", info.ServicePath())

	info.Package.Main = ""
	assert.Empty(t, info.ServicePath())
}

func TestViewURL(t *testing.T) {
	info := AppStartInfo{Package: Package{Name: "notes", Resources: Resources{Path: "dist/"}}}
	assert.Equal(t, "app://notes/dist/index.html", info.ViewURL())

	info.Package.Resources.Index = "main.html"
	assert.Equal(t, "app://notes/dist/main.html", info.ViewURL())

	info.Package.Resources.Index = "http://127.0.0.1:8080"
	assert.Equal(t, "http://127.0.0.1:8080", info.ViewURL())
}
