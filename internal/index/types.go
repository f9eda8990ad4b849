package index

import "encoding/xml"

// atomFeed is the arXiv API Atom search response envelope.
type atomFeed struct {
	XMLName      xml.Name    `xml:"feed"`
	TotalResults int         `xml:"totalResults"`
	StartIndex   int         `xml:"startIndex"`
	Entries      []atomEntry `xml:"entry"`
}

// atomEntry is a single paper entry in the Atom feed.
type atomEntry struct {
	ID        string       `xml:"id"`
	Title     string       `xml:"title"`
	Summary   string       `xml:"summary"`
	Published string       `xml:"published"`
	Updated   string       `xml:"updated"`
	Authors   []atomAuthor `xml:"author"`
}

// atomAuthor is a paper author in the Atom feed.
type atomAuthor struct {
	Name string `xml:"name"`
}
