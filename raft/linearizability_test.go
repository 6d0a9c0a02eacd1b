package raft

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/anishathalye/porcupine"
	"github.com/stretchr/testify/require"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/resources/kvmap"
)

// kvInput/kvOutput and kvModel describe resources/kvmap's Put/Get semantics
// to porcupine, the same way a 6.824-style raft lab checks a client
// history against a single-copy key/value register.
type kvInput struct {
	op    string
	key   string
	value string
}

type kvOutput struct {
	value string
	ok    bool
}

var kvModel = porcupine.Model{
	Init: func() interface{} { return map[string]string{} },
	Step: func(state, input, output interface{}) (bool, interface{}) {
		st := state.(map[string]string)
		in := input.(kvInput)
		out := output.(kvOutput)

		if in.op == "put" {
			next := make(map[string]string, len(st)+1)
			for k, v := range st {
				next[k] = v
			}
			next[in.key] = in.value
			return true, next
		}

		v, ok := st[in.key]
		return v == out.value && ok == out.ok, st
	},
}

// TestLinearizability drives several concurrent simulated clients against
// one leader and checks the resulting Put/Get history against kvModel,
// catching the class of bug a session/commit-order mistake would produce
// even when every individual request "succeeds".
func TestLinearizability(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.checkOneLeader()

	const numClients = 4
	const opsPerClient = 8
	keys := []string{"a", "b", "c"}

	var clock atomic.Int64
	var mu sync.Mutex
	var ops []porcupine.Operation
	var wg sync.WaitGroup

	for c := 0; c < numClients; c++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			client := codec.Address{Host: "client", Port: uint32(100 + clientID)}
			session := registerSession(t, leader, client)
			key := keys[clientID%len(keys)]

			for i := uint64(1); i <= opsPerClient; i++ {
				var in kvInput
				var out kvOutput
				call := clock.Add(1)

				if i%2 == 1 {
					value := fmt.Sprintf("c%d-v%d", clientID, i)
					in = kvInput{op: "put", key: key, value: value}
					resp := submitCommand(t, leader, session, i, putCmd(t, key, value))
					require.Equal(t, codec.StatusOK, resp.Status)
					out = kvOutput{ok: true}
				} else {
					in = kvInput{op: "get", key: key}
					raw, err := leader.Query(session, getQuery(t, key), api.Serializable)
					require.NoError(t, err)
					var res kvmap.Result
					require.NoError(t, json.Unmarshal(raw, &res))
					out = kvOutput{value: res.Value, ok: res.Ok}
				}

				ret := clock.Add(1)
				mu.Lock()
				ops = append(ops, porcupine.Operation{ClientId: clientID, Input: in, Call: call, Output: out, Return: ret})
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	require.True(t, porcupine.CheckOperations(kvModel, ops), "kvmap command/query history is not linearizable")
}
