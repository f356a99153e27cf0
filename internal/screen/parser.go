package screen

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/sphh12/appium-public/internal/domain"
)

var boundsRe = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

// Parse 解析 UiAutomator 页面源码（<hierarchy><node .../></hierarchy>）为节点森林
//
// 根元素 hierarchy 本身不产生节点；其他任何元素都作为节点处理，
// 元素名在缺少 class 属性时作为 Type。
func Parse(raw string) ([]*domain.Node, error) {
	decoder := xml.NewDecoder(strings.NewReader(raw))
	decoder.Strict = false

	var roots []*domain.Node
	var stack []*domain.Node

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse ui tree: %w", err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			if t.Name.Local == "hierarchy" {
				continue
			}
			node := newNode(t)
			if len(stack) == 0 {
				roots = append(roots, node)
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, node)

		case xml.EndElement:
			if t.Name.Local == "hierarchy" {
				continue
			}
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	return roots, nil
}

func newNode(t xml.StartElement) *domain.Node {
	node := &domain.Node{
		Type:      t.Name.Local,
		Enabled:   true,
		Displayed: true,
	}

	for _, attr := range t.Attr {
		switch attr.Name.Local {
		case "resource-id":
			node.ID = attr.Value
		case "text":
			node.Text = attr.Value
		case "content-desc":
			node.ContentDesc = attr.Value
		case "class":
			node.Type = attr.Value
		case "package":
			node.Package = attr.Value
		case "clickable":
			node.Clickable = attr.Value == "true"
		case "checkable":
			node.Checkable = attr.Value == "true"
		case "checked":
			node.Checked = attr.Value == "true"
		case "scrollable":
			node.Scrollable = attr.Value == "true"
		case "selected":
			node.Selected = attr.Value == "true"
		case "enabled":
			node.Enabled = attr.Value != "false"
		case "displayed":
			node.Displayed = attr.Value != "false"
		case "bounds":
			node.Bounds = ParseBounds(attr.Value)
		}
	}

	return node
}

// ParseBounds 解析 "[x1,y1][x2,y2]"，格式错误时返回空区域
func ParseBounds(s string) domain.Bounds {
	m := boundsRe.FindStringSubmatch(s)
	if m == nil {
		return domain.Bounds{}
	}
	vals := make([]int, 4)
	for i := 0; i < 4; i++ {
		vals[i], _ = strconv.Atoi(m[i+1])
	}
	return domain.Bounds{Left: vals[0], Top: vals[1], Right: vals[2], Bottom: vals[3]}
}
