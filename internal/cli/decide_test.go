package cli

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fallback-oracle/internal/twap"
)

func TestParseQueryID(t *testing.T) {
	id, err := parseQueryID("42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	_, err = parseQueryID("-1")
	require.Error(t, err)
}

func TestThresholdOverridesOnlySetFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addThresholdFlags(cmd)

	o := thresholdOverrides(cmd)
	assert.Nil(t, o.MinLiquidity)
	assert.Nil(t, o.MaxAge)
	assert.Nil(t, o.MaxDeviationPct)
	assert.Nil(t, o.Window)

	require.NoError(t, cmd.Flags().Parse([]string{"--max-age=5m", "--max-deviation=3", "--window-start=600"}))
	o = thresholdOverrides(cmd)
	require.NotNil(t, o.MaxAge)
	assert.Equal(t, 5*time.Minute, *o.MaxAge)
	require.NotNil(t, o.MaxDeviationPct)
	assert.Equal(t, uint64(3), *o.MaxDeviationPct)
	require.NotNil(t, o.Window)
	assert.Equal(t, twap.Window{SecondsAgoStart: 600}, *o.Window)
	assert.Nil(t, o.MinLiquidity)
}

func TestTimeFlag(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("from", "", "")

	v, err := timeFlag(cmd, "from")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, cmd.Flags().Set("from", "2023-11-14T22:13:20Z"))
	v, err = timeFlag(cmd, "from")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, int64(1_700_000_000), v.Unix())

	require.NoError(t, cmd.Flags().Set("from", "yesterday"))
	_, err = timeFlag(cmd, "from")
	require.Error(t, err)

	_, err = timeFlag(cmd, "missing")
	require.Error(t, err)
}
