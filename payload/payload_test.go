package payload

import (
	"testing"

	"github.com/meow-io/go-sealed/errs"
	"github.com/stretchr/testify/require"
)

func TestFormatParse(t *testing.T) {
	require := require.New(t)

	cases := []Message{
		Text("hi"),
		Text(""),
		Text("brackets (alone) are fine"),
		{Text: "look at this", Attachment: &Attachment{Name: "cat.png", URL: "https://files.example/cat.png"}},
		{Attachment: &Attachment{Name: "report.pdf", URL: "https://files.example/r?sig=abc"}},
	}
	for _, m := range cases {
		require.Nil(m.Validate())
		require.Equal(m, Parse(m.Format()))
	}
}

func TestFormat(t *testing.T) {
	require := require.New(t)
	m := Message{Text: "look", Attachment: &Attachment{Name: "a.png", URL: "u"}}
	require.Equal("look (a.png)[u]", m.Format())
	m.Text = ""
	require.Equal("(a.png)[u]", m.Format())
}

func TestValidate(t *testing.T) {
	require := require.New(t)

	bad := []Message{
		{Attachment: &Attachment{Name: "", URL: "u"}},
		{Attachment: &Attachment{Name: "a(b)", URL: "u"}},
		{Attachment: &Attachment{Name: "a", URL: "u[1]"}},
		Text("sneaky (a.png)[u]"),
	}
	for _, m := range bad {
		require.ErrorIs(m.Validate(), errs.ErrValidation)
	}
}

func TestParseNoSeparator(t *testing.T) {
	m := Parse("glued(a.png)[u]")
	require.Nil(t, m.Attachment)
	require.Equal(t, "glued(a.png)[u]", m.Text)
}

func TestDeleted(t *testing.T) {
	require.True(t, Parse(Deleted).IsDeleted())
	require.False(t, Parse("hi").IsDeleted())
}
