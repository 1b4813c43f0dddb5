package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geneflow/geneflow-go/internal/errdefs"
)

func testTable() *Table {
	return &Table{
		Workflow: map[string]string{
			"reads":     "/data/reads",
			"reference": "/data/ref.fa",
			"threads":   "4",
		},
		Steps: map[string]map[string]string{
			"align": {"output": "/work/job/align"},
		},
		Groups: []string{"sample-a", "R", "_001", "fastq.gz"},
		Mapped: true,
	}
}

func TestScan(t *testing.T) {
	tokens := Scan("bwa ${workflow->reference} ${ align -> output }/${1}.sam ${name} ${HOME:-x} $${2}")
	require.Len(t, tokens, 4)

	assert.Equal(t, KindScoped, tokens[0].Kind)
	assert.Equal(t, "workflow", tokens[0].Scope)
	assert.Equal(t, "reference", tokens[0].Name)

	assert.Equal(t, KindScoped, tokens[1].Kind)
	assert.Equal(t, "align->output", tokens[1].Key())

	assert.Equal(t, KindPositional, tokens[2].Kind)
	assert.Equal(t, 1, tokens[2].Index)

	assert.Equal(t, KindLocal, tokens[3].Kind)
	assert.Equal(t, "name", tokens[3].Name)

	tokens = Scan("${1-align->output} ${workflow->} ${workflow->my reads}")
	require.Len(t, tokens, 3)
	assert.Equal(t, "1-align", tokens[0].Scope)
	assert.Equal(t, "", tokens[1].Name)
	assert.Equal(t, "my reads", tokens[2].Name)
	for _, tok := range tokens {
		assert.Equal(t, KindScoped, tok.Kind, tok.Raw)
	}
}

func TestSubstitute(t *testing.T) {
	table := testTable()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"literal", "no tokens here", "no tokens here"},
		{"workflow input", "${workflow->reads}", "/data/reads"},
		{"preserves surrounding text", "${1}.sam", "sample-a.sam"},
		{"step output", "${align->output}/${1}${2}1${3}.${4}", "/work/job/align/sample-aR1_001.fastq.gz"},
		{"several tokens", "-t ${workflow->threads} -o ${1}", "-t 4 -o sample-a"},
		{"escaped token", "echo $${1}", "echo ${1}"},
		{"shell expansion untouched", "echo ${HOME:-/tmp}", "echo ${HOME:-/tmp}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Substitute(tt.input, table)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSubstituteIdempotent(t *testing.T) {
	table := testTable()

	inputs := []string{
		"${workflow->reads}/${1}_R1${3}.${4}",
		"plain text with $ and {braces}",
		"${align->output}",
	}
	for _, input := range inputs {
		once, err := Substitute(input, table)
		require.NoError(t, err)
		require.False(t, HasTokens(once))

		twice, err := Substitute(once, table)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestSubstituteUnresolved(t *testing.T) {
	table := testTable()

	tests := []struct {
		name  string
		input string
	}{
		{"unknown workflow name", "${workflow->missing}"},
		{"step not a dependency", "${qc->output}"},
		{"unknown step output", "${align->bam}"},
		{"positional out of range", "${5}"},
		{"local without locals", "${reads}"},
		{"fails whole string", "${1}-${workflow->missing}-${2}"},
		{"step id with leading digit", "${1-align->output}/x.bam"},
		{"empty name", "${workflow->}"},
		{"empty scope", "${->output}"},
		{"name with space", "${workflow->my reads}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Substitute(tt.input, table)
			require.Error(t, err)
			assert.True(t, errdefs.IsUnresolvedReference(err))
			assert.Empty(t, got)
		})
	}
}

func TestPositionalOutsideMappedStep(t *testing.T) {
	table := testTable()
	table.Mapped = false
	table.Groups = nil

	_, err := Substitute("${1}", table)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnresolvedReference(err))
}

func TestOverridesAndLocals(t *testing.T) {
	table := testTable()
	table.Overrides = map[string]string{"workflow->reads": "/data/reads/sample-a_R1_001.fastq.gz"}
	table.Locals = map[string]string{"input": "/data/in.txt", "output": "/work/out"}

	got, err := Substitute("cat ${input} ${workflow->reads} > ${output}/x", table)
	require.NoError(t, err)
	assert.Equal(t, "cat /data/in.txt /data/reads/sample-a_R1_001.fastq.gz > /work/out/x", got)
}

func TestSubstituteAll(t *testing.T) {
	table := testTable()

	out, err := SubstituteAll(map[string]string{
		"input":  "${workflow->reads}",
		"output": "${1}",
	}, table)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"input": "/data/reads", "output": "sample-a"}, out)

	_, err = SubstituteAll(map[string]string{"bad": "${9}"}, table)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnresolvedReference(err))
}
