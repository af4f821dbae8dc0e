package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/loyalty-messaging/internal/audience"
	"github.com/relaypoint/loyalty-messaging/internal/core"
	"github.com/relaypoint/loyalty-messaging/internal/dispatch"
	httpapi "github.com/relaypoint/loyalty-messaging/internal/http"
	"github.com/relaypoint/loyalty-messaging/internal/store"
)

type fixture struct {
	mem    *store.Memory
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	mem := store.NewMemory(clock)

	ev := dispatch.NewEvents(8)
	ctx, cancel := context.WithCancel(context.Background())
	go ev.Run(ctx)
	t.Cleanup(func() {
		cancel()
		ev.Wait()
	})

	triggers := &dispatch.TransactionalTriggers{
		Events:          ev,
		Queue:           mem,
		Promotions:      mem,
		WelcomeTemplate: "Welcome, [FirstName]!",
		Policy:          core.MissingFallback("valued customer"),
	}
	d := dispatch.NewDispatcher(mem, audience.NewSelector(mem), clock)
	srv := httpapi.NewServer(d, mem, mem, mem, triggers, func(context.Context) error { return nil })
	return &fixture{mem: mem, router: srv.Router()}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestExecuteCampaignEndpoint(t *testing.T) {
	f := newFixture(t)
	status := core.CustomerStatusCustomer
	f.mem.AddCustomer(core.Customer{FirstName: "Amina", Status: status, Phone: "+1"})
	c := f.mem.AddCampaign(core.Campaign{
		Template:  "Hi [FirstName]",
		Predicate: core.FilterPredicate{Status: &status},
	})

	rec := f.do(http.MethodPost, "/campaigns/"+c.ID+"/execute", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var res dispatch.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, c.ID, res.CampaignID)
	require.Equal(t, 1, res.Queued)

	// Second execution conflicts.
	rec = f.do(http.MethodPost, "/campaigns/"+c.ID+"/execute", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetCampaignWithDeliveryStats(t *testing.T) {
	f := newFixture(t)
	status := core.CustomerStatusCustomer
	f.mem.AddCustomer(core.Customer{FirstName: "Amina", Status: status, Phone: "+1"})
	f.mem.AddCustomer(core.Customer{FirstName: "Brian", Status: status, Phone: "+2"})
	c := f.mem.AddCampaign(core.Campaign{
		Template:  "Hi [FirstName]",
		Predicate: core.FilterPredicate{Status: &status},
	})

	rec := f.do(http.MethodPost, "/campaigns/"+c.ID+"/execute", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(http.MethodGet, "/campaigns/"+c.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Campaign core.Campaign  `json:"campaign"`
		Delivery map[string]int `json:"delivery"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, core.CampaignStatusSent, body.Campaign.Status)
	require.Equal(t, 2, body.Delivery[core.MessageStatusPending])

	rec = f.do(http.MethodGet, "/campaigns/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteCampaignErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/campaigns/nope/execute", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	empty := f.mem.AddCampaign(core.Campaign{Predicate: core.FilterPredicate{}})
	rec = f.do(http.MethodPost, "/campaigns/"+empty.ID+"/execute", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	noAudience := f.mem.AddCampaign(core.Campaign{Template: "hi", Predicate: core.FilterPredicate{}})
	rec = f.do(http.MethodPost, "/campaigns/"+noAudience.ID+"/execute", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListAndGetMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cust := "cust-1"
	id, _, err := f.mem.Enqueue(ctx, store.EnqueueParams{CustomerID: &cust, Destination: "+1", Body: "hello"})
	require.NoError(t, err)
	_, _, err = f.mem.Enqueue(ctx, store.EnqueueParams{Destination: "+2", Body: "other"})
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/messages?customer_id=cust-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []core.OutboundMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	require.Equal(t, id, list.Items[0].ID)

	rec = f.do(http.MethodGet, "/messages/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msg core.OutboundMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	require.Equal(t, "hello", msg.Body)
	require.Equal(t, core.MessageStatusPending, msg.Status)

	rec = f.do(http.MethodGet, "/messages/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessageStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, _, err := f.mem.Enqueue(ctx, store.EnqueueParams{Destination: "+1", Body: "a"})
	require.NoError(t, err)
	_, _, err = f.mem.Enqueue(ctx, store.EnqueueParams{Destination: "+2", Body: "b"})
	require.NoError(t, err)
	require.NoError(t, f.mem.MarkFailed(ctx, id, "boom"))

	rec := f.do(http.MethodGet, "/messages/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	require.Equal(t, 1, counts[core.MessageStatusPending])
	require.Equal(t, 1, counts[core.MessageStatusFailed])
}

func TestCustomerCreatedEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/events/customer-created",
		`{"id":"cust-1","first_name":"Amina","status":"customer","phone":"+1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		msgs, err := f.mem.ListMessages(context.Background(), store.MessageFilter{})
		return err == nil && len(msgs) == 1 && msgs[0].Body == "Welcome, Amina!"
	}, 2*time.Second, 5*time.Millisecond)

	rec = f.do(http.MethodPost, "/events/customer-created", `{"first_name":"NoID"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderPlacedEndpoint(t *testing.T) {
	f := newFixture(t)
	c := f.mem.AddCustomer(core.Customer{FirstName: "Amina", Status: core.CustomerStatusCustomer, Phone: "+1"})

	rec := f.do(http.MethodPost, "/events/order-placed",
		`{"customer_id":"`+c.ID+`","facts":{"order_count":1}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(http.MethodPost, "/events/order-placed", `{"customer_id":"unknown","facts":{}}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/events/order-placed", `{"facts":{}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
