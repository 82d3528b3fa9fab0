package signature

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
)

// Format 描述一种可雕复图像格式的签名属性.
type Format struct {
	Kind      Kind     // 类型标识, 同时作为产出文件的扩展名.
	Starts    [][]byte // 起始签名列表, 次序即匹配优先级.
	End       []byte   // 结束签名.
	EndRetain int      // 结束签名命中后自命中位置起保留的字节数.
}

// StartMatch 一次起始签名命中.
type StartMatch struct {
	Kind   Kind // 命中格式.
	Offset int  // 命中位置在待匹配数据内的偏移.
}

// Catalog 签名目录, 维持格式的注册次序, 该次序即扫描时的匹配优先级.
type Catalog struct {
	formats     *orderedmap.OrderedMap[Kind, *Format]
	maxStartLen int
}

// NewCatalog 依给定次序装配签名目录.
func NewCatalog(formats ...*Format) (*Catalog, error) {
	c := new(Catalog)
	c.formats = orderedmap.NewOrderedMap[Kind, *Format]()
	for _, f := range formats {
		if f.Kind == "" {
			return nil, errors.New("signature format with empty kind")
		}
		if _, ok := c.formats.Get(f.Kind); ok {
			return nil, errors.Errorf("duplicated signature kind `%s`", f.Kind)
		}
		if len(f.Starts) == 0 {
			return nil, errors.Errorf("signature kind `%s` has no start patterns", f.Kind)
		}
		for i, s := range f.Starts {
			if len(s) == 0 {
				return nil, errors.Errorf("signature kind `%s` start pattern %d is empty", f.Kind, i)
			}
			if len(s) > c.maxStartLen {
				c.maxStartLen = len(s)
			}
		}
		if len(f.End) == 0 {
			return nil, errors.Errorf("signature kind `%s` has no end pattern", f.Kind)
		}
		if f.EndRetain < len(f.End) {
			return nil, errors.Errorf("signature kind `%s` end retain %d shorter than end pattern length %d",
				f.Kind, f.EndRetain, len(f.End))
		}
		c.formats.Set(f.Kind, f)
	}
	if c.formats.Len() == 0 {
		return nil, errors.New("signature catalog without any format")
	}
	return c, nil
}

// Default 返回内置签名目录, JPEG各变体先于PNG参与匹配.
func Default() *Catalog {
	c, err := NewCatalog(
		&Format{
			Kind: JPG,
			Starts: [][]byte{
				[]byte(JPEGSOIJFIFMagic),
				[]byte(JPEGSOIExifMagic),
				[]byte(JPEGSOIDQTMagic),
				[]byte(JPEGSOIAPP0Magic),
				[]byte(JPEGSOIAPP14Magic),
				[]byte(JPEGSOISOF0Magic),
				[]byte(JPEGSOIDHTMagic),
			},
			End:       []byte(JPEGEOIMagic),
			EndRetain: JPEGEndRetain,
		},
		&Format{
			Kind:      PNG,
			Starts:    [][]byte{[]byte(PNGHeaderMagic)},
			End:       []byte(PNGIENDMagic),
			EndRetain: PNGEndRetain,
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// FindStart 在data中查找首个命中的起始签名.
// 匹配按目录次序及各格式内起始签名的书写次序逐一尝试,
// 先注册的签名即使命中位置靠后也优先于后注册的签名.
func (c *Catalog) FindStart(data []byte) (StartMatch, bool) {
	for el := c.formats.Front(); el != nil; el = el.Next() {
		for _, start := range el.Value.Starts {
			if idx := bytes.Index(data, start); idx >= 0 {
				return StartMatch{Kind: el.Key, Offset: idx}, true
			}
		}
	}
	return StartMatch{}, false
}

// Format 返回指定类型的签名描述.
func (c *Catalog) Format(kind Kind) (*Format, bool) {
	return c.formats.Get(kind)
}

// Kinds 按注册次序返回目录内全部类型.
func (c *Catalog) Kinds() []Kind {
	kinds := make([]Kind, 0, c.formats.Len())
	for el := c.formats.Front(); el != nil; el = el.Next() {
		kinds = append(kinds, el.Key)
	}
	return kinds
}

// MaxStartLen 目录内最长起始签名的字节数.
func (c *Catalog) MaxStartLen() int {
	return c.maxStartLen
}

// KindFromPath 依据文件扩展名推断图像类型.
func KindFromPath(path string) (Kind, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch Kind(ext) {
	case JPG, JPEG, PNG:
		return Kind(ext), true
	}
	return "", false
}
