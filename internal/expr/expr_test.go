package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalBool(t *testing.T) {
	vars := MapVars{
		"rcpt_domain": "example.org",
		"source":      "dsn",
		"retry_num":   "3",
		"last_error":  "tls",
	}
	ev := DefaultEvaluator{}

	tests := []struct {
		expr string
		want bool
	}{
		{"rcpt_domain == 'example.org'", true},
		{"rcpt_domain == 'example.net'", false},
		{"rcpt_domain != 'example.net'", true},
		{"source == 'dsn' || source == 'report'", true},
		{"source == 'report' || source == 'autogen'", false},
		{"retry_num > 0 && last_error == 'tls'", true},
		{"retry_num > 5", false},
		{"retry_num >= 3", true},
		{"!(source == 'dsn')", false},
		{"(retry_num > 0 || source == 'report') && last_error == 'tls'", true},
		{"missing_var == ''", true},
	}
	for _, tc := range tests {
		got, err := ev.EvalBool(tc.expr, vars)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvalBoolErrors(t *testing.T) {
	ev := DefaultEvaluator{}
	for _, expr := range []string{
		"'unterminated",
		"a == 'b' extra",
		"a > 'not-a-number'",
		"(a == 'b'",
		"a ? 'b'",
	} {
		_, err := ev.EvalBool(expr, MapVars{})
		assert.Error(t, err, expr)
	}
}

func TestEvalString(t *testing.T) {
	ev := DefaultEvaluator{}
	vars := MapVars{"report_domain": "example.org"}

	got, err := ev.EvalString("'mx'", vars)
	require.NoError(t, err)
	assert.Equal(t, "mx", got)

	got, err = ev.EvalString("'MAILER-DAEMON@' + report_domain", vars)
	require.NoError(t, err)
	assert.Equal(t, "MAILER-DAEMON@example.org", got)
}

func TestRuleChainEval(t *testing.T) {
	ev := DefaultEvaluator{}
	chain := RuleChain{
		Rules: []Rule{
			{If: "rcpt_domain == 'local.test'", Then: "'local'"},
			{If: "source == 'dsn'", Then: "'dsn'"},
		},
		Default: "'remote'",
	}

	assert.Equal(t, "local", chain.Eval(ev, MapVars{"rcpt_domain": "local.test"}))
	assert.Equal(t, "dsn", chain.Eval(ev, MapVars{"source": "dsn"}))
	assert.Equal(t, "remote", chain.Eval(ev, MapVars{"rcpt_domain": "other.test"}))
}

func TestRuleChainSkipsBrokenRules(t *testing.T) {
	ev := DefaultEvaluator{}
	chain := RuleChain{
		Rules: []Rule{
			{If: "broken ==", Then: "'never'"},
			{If: "source == 'dsn'", Then: "'dsn'"},
		},
		Default: "'fallback'",
	}
	assert.Equal(t, "dsn", chain.Eval(ev, MapVars{"source": "dsn"}))
	assert.Equal(t, "fallback", chain.Eval(ev, MapVars{}))
}

func TestRuleChainNoDefault(t *testing.T) {
	ev := DefaultEvaluator{}
	chain := RuleChain{Rules: []Rule{{If: "source == 'dsn'", Then: "'dsn'"}}}
	assert.Equal(t, "", chain.Eval(ev, MapVars{}))
}

func TestLiteral(t *testing.T) {
	ev := DefaultEvaluator{}
	assert.Equal(t, "default", Literal("default").Eval(ev, MapVars{}))
	assert.False(t, Literal("x").IsEmpty())
	assert.True(t, RuleChain{}.IsEmpty())
}

func TestReferencedVariables(t *testing.T) {
	vars := ReferencedVariables("sender_domain == 'a' && rcpt != 'b' || retry_num > 2")
	assert.Equal(t, []string{"sender_domain", "rcpt", "retry_num"}, vars)
	assert.Nil(t, ReferencedVariables("'broken"))
}
