package chain

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startFakeServer runs a minimal Electrum-protocol server answering
// server.version and blockchain.transaction.broadcast.
func startFakeServer(t *testing.T, broadcastResult interface{},
	broadcastErr *string) string {

	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var req electrumRequest
			if json.Unmarshal(scanner.Bytes(), &req) != nil {
				return
			}

			resp := map[string]interface{}{"id": req.ID}
			switch req.Method {
			case "server.version":
				resp["result"] = []string{
					"FakeServer 1.0", protocolVersion,
				}

			case "blockchain.transaction.broadcast":
				if broadcastErr != nil {
					resp["error"] = map[string]interface{}{
						"code":    1,
						"message": *broadcastErr,
					}
				} else {
					resp["result"] = broadcastResult
				}
			}

			payload, _ := json.Marshal(resp)
			payload = append(payload, '\n')
			if _, err := conn.Write(payload); err != nil {
				return
			}
		}
	}()

	return listener.Addr().String()
}

// TestElectrumSessionRoundTrip verifies dialing, version negotiation, and a
// successful broadcast call against an in-process server.
func TestElectrumSessionRoundTrip(t *testing.T) {
	t.Parallel()

	txid := "aa" + "bb" + // 64 hex chars total
		"00000000000000000000000000000000000000000000000000000000" +
		"0000"

	addr := startFakeServer(t, txid, nil)

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()

	session, err := DialElectrum(ctx, &ElectrumConfig{Addr: addr})
	require.NoError(t, err)
	defer session.Close()
	require.True(t, session.Connected())

	reported, err := session.BroadcastRawTx(ctx, []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Equal(t, txid, reported)

	require.NoError(t, session.Close())
	require.False(t, session.Connected())
}

// TestElectrumBroadcastRejection verifies a server-side error surfaces as a
// RejectError with the normalized reason.
func TestElectrumBroadcastRejection(t *testing.T) {
	t.Parallel()

	reason := "error: dust output"
	addr := startFakeServer(t, nil, &reason)

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()

	session, err := DialElectrum(ctx, &ElectrumConfig{Addr: addr})
	require.NoError(t, err)
	defer session.Close()

	_, err = session.BroadcastRawTx(ctx, []byte{0x01})

	var rejectErr *RejectError
	require.ErrorAs(t, err, &rejectErr)
	require.Equal(t, "dust output", rejectErr.Reason)
}

// TestElectrumLegacyErrorResult verifies pre-1.4 servers that return error
// text in the result field are handled.
func TestElectrumLegacyErrorResult(t *testing.T) {
	t.Parallel()

	addr := startFakeServer(t, "rejected: txn-mempool-conflict", nil)

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()

	session, err := DialElectrum(ctx, &ElectrumConfig{Addr: addr})
	require.NoError(t, err)
	defer session.Close()

	_, err = session.BroadcastRawTx(ctx, []byte{0x01})

	var rejectErr *RejectError
	require.ErrorAs(t, err, &rejectErr)
	require.Equal(t, "rejected: txn-mempool-conflict", rejectErr.Reason)
}

// TestElectrumErrorUnmarshal accepts both error encodings servers use.
func TestElectrumErrorUnmarshal(t *testing.T) {
	t.Parallel()

	var asString electrumError
	require.NoError(t, json.Unmarshal([]byte(`"boom"`), &asString))
	require.Equal(t, "boom", asString.Message)

	var asObject electrumError
	require.NoError(t, json.Unmarshal(
		[]byte(`{"code": -32600, "message": "bad request"}`),
		&asObject,
	))
	require.Equal(t, "bad request", asObject.Message)
}
