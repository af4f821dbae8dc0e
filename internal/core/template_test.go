package core_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaypoint/loyalty-messaging/internal/core"
)

func TestRenderSubstitutesAllTokens(t *testing.T) {
	c := core.Customer{
		FirstName: "Amina", LastName: "Otieno",
		Phone: "+254700000001", Email: "amina@example.com", Level: "Gold",
	}
	out := core.Render("Hi [FirstName] [LastName] ([FullName]), [Level] member at [PhoneNumber]/[Email]", c, core.MissingEmpty())
	require.Equal(t, "Hi Amina Otieno (Amina Otieno), Gold member at +254700000001/amina@example.com", out)
}

func TestRenderReplacesEveryOccurrence(t *testing.T) {
	c := core.Customer{FirstName: "Bo"}
	out := core.Render("[FirstName] [FirstName] [FirstName]", c, core.MissingEmpty())
	require.Equal(t, "Bo Bo Bo", out)
}

func TestRenderLeavesUnknownTokensVerbatim(t *testing.T) {
	c := core.Customer{FirstName: "Bo"}
	out := core.Render("Hi [FirstName], use code [Coupon]", c, core.MissingEmpty())
	require.Equal(t, "Hi Bo, use code [Coupon]", out)
}

func TestRenderIsIdempotent(t *testing.T) {
	c := core.Customer{FirstName: "Amina", Level: "Gold"}
	once := core.Render("Hi [FirstName], [Level] member!", c, core.MissingEmpty())
	twice := core.Render(once, c, core.MissingEmpty())
	require.Equal(t, once, twice)
}

func TestRenderMissingPolicies(t *testing.T) {
	c := core.Customer{FirstName: "Amina"} // no level

	empty := core.Render("Hi [FirstName], [Level] member!", c, core.MissingEmpty())
	require.Equal(t, "Hi Amina,  member!", empty)

	fallback := core.Render("Hi [FirstName], [Level] member!", c, core.MissingFallback("valued"))
	require.Equal(t, "Hi Amina, valued member!", fallback)
}
