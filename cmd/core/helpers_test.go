package core

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/burrow/config"
)

func TestParseAndFormatSize(t *testing.T) {
	n, err := ParseSize("memory", "512M")
	require.NoError(t, err)
	require.EqualValues(t, 512<<20, n)

	_, err = ParseSize("storage", "big")
	require.ErrorContains(t, err, "--storage")

	require.Equal(t, "1GiB", FormatSize(1<<30))
	require.Equal(t, "unknown", FormatSize(-1))
}

func TestConfRequiresProvider(t *testing.T) {
	_, err := BaseHandler{}.Conf()
	require.Error(t, err)

	_, err = BaseHandler{ConfProvider: func() *config.Config { return nil }}.Conf()
	require.ErrorContains(t, err, "not initialized")

	conf := config.DefaultConfig()
	ctx, got, err := BaseHandler{ConfProvider: func() *config.Config { return conf }}.Init(&cobra.Command{})
	require.NoError(t, err)
	require.NotNil(t, ctx)
	require.Same(t, conf, got)
}

func TestWantJSONFlag(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().Bool("json", false, "")
	require.NoError(t, cmd.Flags().Set("json", "true"))
	require.True(t, WantJSON(cmd))
}
