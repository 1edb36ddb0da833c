package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/prism/internal/protocol"
	"github.com/ssd-technologies/prism/internal/storage"
)

func TestPayloadKindFor(t *testing.T) {
	routing := protocol.Stage{Effect: protocol.EffectRouting}
	classification := protocol.Stage{Effect: protocol.EffectClassification}
	plain := protocol.Stage{}

	assert.Equal(t, KindRoutingBallot, PayloadKindFor(routing, storage.PhaseWork, true))
	assert.Equal(t, KindFreeform, PayloadKindFor(routing, storage.PhaseConsensus, true))
	assert.Equal(t, KindClassificationBallot, PayloadKindFor(classification, storage.PhaseWork, false))
	assert.Equal(t, KindClassificationBallot, PayloadKindFor(classification, storage.PhaseConsensus, false))
	assert.Equal(t, KindSynthesisFragment, PayloadKindFor(plain, storage.PhaseConsensus, true))
	assert.Equal(t, KindFreeform, PayloadKindFor(plain, storage.PhaseWork, true))
	assert.Equal(t, KindFreeform, PayloadKindFor(plain, storage.PhaseConsensus, false))
}

func TestDecodePayload(t *testing.T) {
	routing := protocol.Stage{Effect: protocol.EffectRouting}

	p, err := DecodePayload(routing, storage.PhaseWork, false, []byte(`{"protocol":"prism-v1","domain":"bio","extra":1}`))
	require.NoError(t, err)
	assert.Equal(t, RoutingBallot{Protocol: "prism-v1", Domain: "bio"}, p)

	p, err = DecodePayload(routing, storage.PhaseWork, false, nil)
	require.NoError(t, err)
	assert.Equal(t, RoutingBallot{}, p)

	p, err = DecodePayload(routing, storage.PhaseWork, false, []byte("null"))
	require.NoError(t, err)
	assert.Equal(t, KindRoutingBallot, p.Kind())

	p, err = DecodePayload(protocol.Stage{}, storage.PhaseConsensus, true, []byte(`{"summary":"s","recommendation":"r"}`))
	require.NoError(t, err)
	assert.Equal(t, SynthesisFragment{Summary: "s", Recommendation: "r"}, p)

	p, err = DecodePayload(protocol.Stage{}, storage.PhaseWork, false, []byte(`[1, "two"]`))
	require.NoError(t, err)
	assert.Equal(t, KindFreeform, p.Kind())
	assert.JSONEq(t, `[1, "two"]`, string(p.(Freeform).Raw))

	_, err = DecodePayload(protocol.Stage{}, storage.PhaseWork, false, []byte(`{broken`))
	assert.Error(t, err)
	_, err = DecodePayload(protocol.Stage{Effect: protocol.EffectClassification}, storage.PhaseWork, false, []byte(`"bio"`))
	assert.Error(t, err)
}
