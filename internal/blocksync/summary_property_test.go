package blocksync

import (
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/unichain/overlay/config"
)

func TestChainSummaryProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		height := rapid.IntRange(0, 64).Draw(rt, "height").(int)
		depth := rapid.IntRange(0, height).Draw(rt, "depth").(int)

		env := newTestEnv(t, withConfig(func(cfg *config.SyncConfig) { cfg.SolidifiedDepth = int64(depth) }))
		env.extend(height, 10)
		peer, _ := env.addPeer(1)

		floor := int64(height - depth)
		common, err := env.chain.BlockIDByNum(floor)
		require.NoError(rt, err)

		ps := env.state(peer)
		ps.summary = nil
		ps.common = common

		summary, err := env.syncer.chainSummary(ps)
		require.NoError(rt, err)
		require.NotEmpty(rt, summary)

		require.Equal(rt, common, summary[0])
		require.Equal(rt, env.chain.HeadBlockID(), summary[len(summary)-1])
		for i := 1; i < len(summary); i++ {
			require.Greater(rt, summary[i].Num, summary[i-1].Num)
		}
		require.Equal(rt, bits.Len(uint(depth+1)), len(summary))
	})
}
