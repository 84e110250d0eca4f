package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"
)

// discovered is the result of HTML-based discovery on a claimed identifier.
type discovered struct {
	server   string
	localID  string
	version2 bool
}

// discover fetches the claimed identifier's page and pulls the provider
// endpoint out of its link elements. OpenID 2.0 rels win over the 1.x ones
// when both are present.
func (c *Client) discover(ctx context.Context, claimedID string) (*discovered, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", claimedID, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating discovery request: %w", err)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not get response from identifier page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("received non-200 response from identifier page. code was %d", resp.StatusCode)
	}

	links, err := parseLinkRels(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not parse identifier page: %w", err)
	}

	if server := links["openid2.provider"]; server != "" {
		return &discovered{server: server, localID: links["openid2.local_id"], version2: true}, nil
	}

	if server := links["openid.server"]; server != "" {
		return &discovered{server: server, localID: links["openid.delegate"]}, nil
	}

	return nil, fmt.Errorf("identifier page carries no openid link elements")
}

// parseLinkRels collects the href of every <link rel=...> in the document,
// keyed by each whitespace-separated rel value.
func parseLinkRels(r io.Reader) (map[string]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	links := map[string]string{}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "link" {
			var rel, href string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "rel":
					rel = attr.Val
				case "href":
					href = attr.Val
				}
			}
			for _, name := range strings.Fields(rel) {
				if _, taken := links[name]; !taken {
					links[name] = href
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return links, nil
}

// parseKeyValueForm reads the newline-delimited key:value encoding direct
// provider responses use.
func parseKeyValueForm(r io.Reader) (map[string]string, error) {
	kv := map[string]string{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed key-value line %q", line)
		}
		kv[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return kv, nil
}
