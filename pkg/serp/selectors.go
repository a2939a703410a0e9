package serp

// Selector lists are tried in order. Google rotates markup between
// experiments, so a new variant is supported by appending to a list.
type fieldSelectors struct {
	Container []string
	Title     []string
	Link      []string
	Snippet   []string
}

var organicSelectors = fieldSelectors{
	Container: []string{"div.g", "div.Gx5Zad", "div[jscontroller]"},
	Title:     []string{"h3", "div.vvjwJb", "div.fc9yUc"},
	Link:      []string{"a[ping]", "a[data-ved]", "a[jsname]", "a[href]"},
	Snippet:   []string{"div.VwiC3b", "div.s3v9rd", `div[role="heading"]`},
}

var featuredSelectors = fieldSelectors{
	Container: []string{"div.xpdopen", "div.g.kno-result", "div.ifM9O"},
	Title:     []string{"h3", "div.title"},
	Link:      []string{"a[ping]", "a[data-ved]", "a[href]"},
	Snippet:   []string{"div.LGOjhe", "div.IZ6rdc"},
}

// metadataSelectors maps a metadata key to the element holding its value.
var metadataSelectors = []struct {
	Key      string
	Selector string
}{
	{"date", "span.MUxGbd.wuQ4Ob.WZ8Tjf"},
	{"rating", "span.Fam1ne.EBe2gf"},
	{"displayed_url", "cite"},
}

var (
	adSelectors   = []string{"div.uEierd", "div.Krnil"}
	linkSelector  = "a[href]"
	stripElements = []string{"script", "style"}
)
