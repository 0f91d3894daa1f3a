package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitvox/api/internal/config"
	"gitvox/api/internal/room"
	"gitvox/api/internal/store"
)

type wsClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func (a *testAPI) dial(token string) *wsClient {
	a.t.Helper()
	target := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/api/ws?access_token=" + url.QueryEscape(token)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, target)
	require.NoError(a.t, err)
	a.t.Cleanup(func() { _ = conn.Close() })

	var reader io.Reader = conn
	if br != nil {
		reader = br
	}
	c := &wsClient{
		t:    a.t,
		conn: conn,
		rw: struct {
			io.Reader
			io.Writer
		}{reader, conn},
	}
	// The handshake completes before the session is registered.
	c.barrier()
	return c
}

func (c *wsClient) send(frame map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(c.t, err)
	require.NoError(c.t, wsutil.WriteClientText(c.conn, data))
}

func (c *wsClient) read() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(c.t, err)
	frame := map[string]any{}
	require.NoError(c.t, json.Unmarshal(data, &frame))
	return frame
}

// barrier waits until the server has handled every frame sent so far:
// frames from one connection are processed in order and an unknown type
// always answers with an error frame.
func (c *wsClient) barrier() {
	c.t.Helper()
	c.send(map[string]any{"type": "barrier"})
	frame := c.read()
	require.Equal(c.t, "error", frame["type"], "%v", frame)
	require.Equal(c.t, "BAD_FRAME", frame["code"])
}

func (c *wsClient) join(repoID, commit string) {
	c.send(map[string]any{"type": frameJoinCommit, "repositoryId": repoID, "commitHash": commit})
}

func (c *wsClient) say(repoID, commit, body string) {
	c.send(map[string]any{"type": frameSendMessage, "repositoryId": repoID, "commitHash": commit, "body": body})
}

func TestWebsocketRequiresToken(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	status, payload := api.do(http.MethodGet, "/api/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", payload["code"])

	status, _ = api.do(http.MethodGet, "/api/ws?access_token=forged", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(api.server.URL, "http")+"/api/ws")
	assert.Error(t, err)
	assert.Equal(t, 0, api.service.Rooms().Stats().Sessions)
}

func TestWebsocketChatBroadcast(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	alice := api.login("alice")
	bob := api.login("bob")
	repoID := api.createRepo(alice)
	api.addMember(alice, repoID, "bob", bob)

	aliceWS := api.dial(alice)
	bobWS := api.dial(bob)

	bobWS.join(repoID, "c1")
	bobWS.barrier()
	aliceWS.join(repoID, "c1")
	aliceWS.say(repoID, "c1", "first!")

	for _, client := range []*wsClient{aliceWS, bobWS} {
		frame := client.read()
		require.Equal(t, "receive_message", frame["type"], "%v", frame)
		msg := frame["message"].(map[string]any)
		assert.Equal(t, "first!", msg["body"])
		assert.Equal(t, repoID, msg["repositoryId"])
		assert.Equal(t, "c1", msg["commitHash"])
		assert.Equal(t, "alice", msg["sender"].(map[string]any)["handle"])
	}

	status, payload := api.do(http.MethodGet, "/api/repos/"+repoID+"/messages?commit=c1", bob, nil)
	require.Equal(t, http.StatusOK, status)
	history := items(payload)
	require.Len(t, history, 1)
	assert.Equal(t, "first!", history[0]["body"])

	// Another commit of the same repository is a different room.
	bobWS.say(repoID, "c2", "wrong room")
	bobWS.barrier()
	aliceWS.barrier()
}

func TestWebsocketNonMemberIsSilent(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	alice := api.login("alice")
	mallory := api.login("mallory")
	repoID := api.createRepo(alice)

	aliceWS := api.dial(alice)
	aliceWS.join(repoID, "c1")
	aliceWS.barrier()

	// mallory's join is withheld and the publish dropped. The next frame
	// mallory sees is the barrier's answer, nothing about the refusal.
	malloryWS := api.dial(mallory)
	malloryWS.join(repoID, "c1")
	malloryWS.say(repoID, "c1", "let me in")
	malloryWS.join("no-such-repo", "c1")
	malloryWS.barrier()

	aliceWS.barrier()
	msgs, err := api.memory.ListMessages(context.Background(), repoID, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestWebsocketPendingInviteeCannotJoinUntilAccepted(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	alice := api.login("alice")
	bob := api.login("bob")
	repoID := api.createRepo(alice)

	bobWS := api.dial(bob)
	status, _ := api.do(http.MethodPost, "/api/repos/"+repoID+"/collaborators", alice, map[string]any{"handle": "bob"})
	require.Equal(t, http.StatusOK, status)

	// The invite is pushed to bob's live connection.
	frame := bobWS.read()
	require.Equal(t, "notification", frame["type"], "%v", frame)
	note := frame["notification"].(map[string]any)
	assert.Equal(t, store.NotificationCollabInvite, note["type"])
	assert.Equal(t, "/repos/"+repoID, note["link"])

	bobWS.join(repoID, "c1")
	bobWS.barrier()
	bobWS.say(repoID, "c1", "too early")
	bobWS.barrier()

	status, _ = api.do(http.MethodPost, "/api/repos/"+repoID+"/accept", bob, nil)
	require.Equal(t, http.StatusOK, status)
	bobWS.join(repoID, "c1")
	bobWS.say(repoID, "c1", "now I'm in")
	frame = bobWS.read()
	require.Equal(t, "receive_message", frame["type"], "%v", frame)
	assert.Equal(t, "now I'm in", frame["message"].(map[string]any)["body"])

	msgs, err := api.memory.ListMessages(context.Background(), repoID, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestWebsocketRevokedMemberLosesRoom(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	alice := api.login("alice")
	bob := api.login("bob")
	repoID := api.createRepo(alice)
	api.addMember(alice, repoID, "bob", bob)

	aliceWS := api.dial(alice)
	bobWS := api.dial(bob)
	aliceWS.join(repoID, "c1")
	aliceWS.barrier()
	bobWS.join(repoID, "c1")
	bobWS.barrier()

	status, _ := api.do(http.MethodDelete, "/api/repos/"+repoID+"/collaborators/bob", alice, nil)
	require.Equal(t, http.StatusOK, status)

	aliceWS.say(repoID, "c1", "after revoke")
	frame := aliceWS.read()
	require.Equal(t, "receive_message", frame["type"], "%v", frame)
	bobWS.say(repoID, "c1", "am I still here")
	bobWS.barrier()
	aliceWS.barrier()

	msgs, err := api.memory.ListMessages(context.Background(), repoID, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "after revoke", msgs[0].Body)
}

func TestWebsocketDefectReportNotifiesOwner(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	alice := api.login("alice")
	bob := api.login("bob")
	repoID := api.createRepo(alice)
	api.addMember(alice, repoID, "bob", bob)

	aliceWS := api.dial(alice)
	status, payload := api.do(http.MethodPost, "/api/repos/"+repoID+"/defects", bob, map[string]any{
		"commitHash": "c1", "description": "Crash on save", "severity": "Medium",
	})
	require.Equal(t, http.StatusCreated, status, "%v", payload)

	frame := aliceWS.read()
	require.Equal(t, "notification", frame["type"], "%v", frame)
	note := frame["notification"].(map[string]any)
	assert.Equal(t, store.NotificationBugReport, note["type"])
	assert.Equal(t, "bob reported a Medium defect on widget", note["message"])
}

func TestWebsocketErrorFrames(t *testing.T) {
	api := newTestAPI(t, func(cfg *config.Config) {
		cfg.MessageRate = 0.001
		cfg.MessageBurst = 1
		cfg.MaxMessageLen = 10
	}, nil)
	alice := api.login("alice")
	repoID := api.createRepo(alice)
	c := api.dial(alice)

	c.send(map[string]any{"type": frameJoinCommit})
	frame := c.read()
	assert.Equal(t, "VALIDATION_ERROR", frame["code"], "join without a room: %v", frame)

	c.join(repoID, "c1")
	c.say(repoID, "c1", "   ")
	frame = c.read()
	assert.Equal(t, "VALIDATION_ERROR", frame["code"], "blank body: %v", frame)

	c.say(repoID, "c1", "this is far too long")
	frame = c.read()
	assert.Equal(t, "VALIDATION_ERROR", frame["code"], "long body: %v", frame)

	c.say(repoID, "c1", "ok")
	frame = c.read()
	require.Equal(t, "receive_message", frame["type"], "%v", frame)

	c.say(repoID, "c1", "again")
	frame = c.read()
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "RATE_LIMITED", frame["code"])

	require.NoError(t, wsutil.WriteClientText(c.conn, []byte("{not json")))
	frame = c.read()
	assert.Equal(t, "BAD_FRAME", frame["code"])
}

func TestWebsocketDisconnectLeavesRooms(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	alice := api.login("alice")
	repoID := api.createRepo(alice)

	c := api.dial(alice)
	c.join(repoID, "c1")
	c.barrier()
	assert.Equal(t, 1, api.service.Rooms().Stats().Groups)

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool {
		stats := api.service.Rooms().Stats()
		return stats.Groups == 0 && stats.Sessions == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEncodeEvent(t *testing.T) {
	_, err := encodeEvent(room.Event{Kind: room.EventMessage})
	assert.Error(t, err)

	data, err := encodeEvent(errorEvent("RATE_LIMITED", "slow down"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"RATE_LIMITED","message":"slow down"}`, string(data))
}
