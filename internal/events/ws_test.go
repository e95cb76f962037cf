// Copyright 2025 James Ross
package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

func TestWSHandlerStreamsUntilTerminal(t *testing.T) {
	lister := newFakeJobLister()
	job := &store.Job{ID: "j1", OwnerID: "u1", State: store.StateRunning, UpdatedAt: time.Now(), Visibility: store.VisibilityPrivate, Progress: 0.1}
	lister.put(job)

	h := NewWSHandler(lister, nil)
	router := mux.NewRouter()
	router.Handle("/ws/jobs/{id}", withTestIdentity(h, identity.Identity{Kind: identity.KindUser, UserID: "u1", Role: store.RoleEditor}))

	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs/j1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Delta
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "j1", first.JobID)
	require.Equal(t, "RUNNING", first.State)

	job2 := *job
	job2.State = store.StateDone
	job2.Progress = 1.0
	job2.UpdatedAt = time.Now()
	lister.put(&job2)

	require.Eventually(t, func() bool {
		var d Delta
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&d); err != nil {
			return false
		}
		return d.State == "DONE"
	}, 3*time.Second, 100*time.Millisecond)
}

func withTestIdentity(h http.Handler, id identity.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}
