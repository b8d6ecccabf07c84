package parser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torii/parser"
)

const page = `<html><body>
<a id="abs" href="https://other.example/x">abs</a>
<a id="rel" href="/watch/12">rel</a>
<a id="js" href="javascript:void(0)">js</a>
<p id="text">  lots   of
	whitespace </p>
</body></html>`

func TestFromBytesAndResolveURL(t *testing.T) {
	doc, err := parser.FromBytes([]byte(page), "https://site.example/list?page=2")
	require.NoError(t, err)

	abs, _ := doc.Find("#abs").Attr("href")
	assert.Equal(t, "https://other.example/x", parser.ResolveURL(doc, abs))

	rel, _ := doc.Find("#rel").Attr("href")
	assert.Equal(t, "https://site.example/watch/12", parser.ResolveURL(doc, rel))

	js, _ := doc.Find("#js").Attr("href")
	assert.Equal(t, "", parser.ResolveURL(doc, js))
	assert.Equal(t, "", parser.ResolveURL(doc, "  "))
}

func TestCleanText(t *testing.T) {
	doc, err := parser.FromBytes([]byte(page), "https://site.example/")
	require.NoError(t, err)
	assert.Equal(t, "lots of whitespace", parser.CleanText(doc.Find("#text").Text()))
}
