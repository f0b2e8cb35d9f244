package notification

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sendbridge/sendbridge/config"
	"github.com/stretchr/testify/assert"
)

func TestSendPostsToGateway(t *testing.T) {
	received := make(chan PushMessage, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg PushMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		received <- msg
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	cnf := &config.Configuration{}
	cnf.Notification.Push.Url = server.URL
	config.MockConfig(cnf)

	Send(PushMessage{OwnerID: "usr_1", Title: "Money received", Body: "You received 40.00 CAD"})

	msg := <-received
	assert.Equal(t, "usr_1", msg.OwnerID)
	assert.Equal(t, "Money received", msg.Title)
}

func TestSendSkipsWhenUnconfigured(t *testing.T) {
	config.MockConfig(&config.Configuration{})
	// Must not panic or block without a configured gateway.
	Send(PushMessage{OwnerID: "usr_1", Title: "ignored", Body: "ignored"})
}
