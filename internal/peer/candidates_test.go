package peer

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestCandidateQueueFlushesInArrivalOrderOnce(t *testing.T) {
	var applied []string
	q := newCandidateQueue(func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	})

	require.NoError(t, q.Add(cand("c1")))
	require.NoError(t, q.Add(cand("c2")))
	require.NoError(t, q.RemoteSet())
	require.NoError(t, q.Add(cand("c3")))
	assert.Empty(t, applied, "nothing applies before both descriptions are set")
	assert.Equal(t, 3, q.Len())

	require.NoError(t, q.LocalSet())
	assert.Equal(t, []string{"c1", "c2", "c3"}, applied)
	assert.Zero(t, q.Len())

	require.NoError(t, q.Add(cand("c4")))
	require.NoError(t, q.LocalSet())
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, applied)
}

func TestCandidateQueueKeepsGoingAfterBadCandidate(t *testing.T) {
	var applied []string
	q := newCandidateQueue(func(c webrtc.ICECandidateInit) error {
		if c.Candidate == "bad" {
			return errors.New("malformed")
		}
		applied = append(applied, c.Candidate)
		return nil
	})

	require.NoError(t, q.Add(cand("c1")))
	require.NoError(t, q.Add(cand("bad")))
	require.NoError(t, q.Add(cand("c2")))
	require.NoError(t, q.LocalSet())
	assert.Error(t, q.RemoteSet())
	assert.Equal(t, []string{"c1", "c2"}, applied)
}
