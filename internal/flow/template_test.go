package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/chatflow/internal/model"
)

func TestRender(t *testing.T) {
	scope := map[string]string{"name": "Maria", "order.id": "A-1"}

	assert.Equal(t, "Hi Maria!", Render("Hi {{name}}!", scope))
	assert.Equal(t, "Hi Maria!", Render("Hi {{ name }}!", scope))
	assert.Equal(t, "Order A-1", Render("Order {{order.id}}", scope))
	assert.Equal(t, "Hi !", Render("Hi {{unknown}}!", scope))
	assert.Equal(t, "no placeholders", Render("no placeholders", scope))
	assert.Equal(t, "{{ not closed", Render("{{ not closed", scope))
}

func TestScopeLayering(t *testing.T) {
	globals := map[string]string{"name": "from contact", "date": "2024-05-10"}
	persisted := map[string]string{"name": "persisted", "plan": "gold"}
	session := map[string]string{"name": "session"}

	s := Scope(globals, persisted, session, nil)
	assert.Equal(t, "session", s["name"])
	assert.Equal(t, "gold", s["plan"])
	assert.Equal(t, "2024-05-10", s["date"])
}

func TestGlobals(t *testing.T) {
	title := "Sales Team"
	conv := &model.Conversation{ID: "c1", Name: "Maria Silva", Phone: "5511999990000", Status: model.StatusPending}
	now := time.Date(2024, 5, 10, 14, 5, 0, 0, time.UTC)

	g := Globals(conv, now)
	assert.Equal(t, "Maria", g["first_name"])
	assert.Equal(t, "2024-05-10", g["date"])
	assert.Equal(t, "14:05", g["time"])
	assert.Equal(t, "Good afternoon", g["greeting"])
	assert.Equal(t, "PENDING", g["status"])

	group := &model.Conversation{ID: "c2", IsGroup: true, GroupTitle: &title}
	assert.Equal(t, "Sales Team", Globals(group, now)["name"])

	assert.NotContains(t, Globals(nil, now), "name")
}
