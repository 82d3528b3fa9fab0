package signature

// Kind 可雕复的载荷类型标识, 同时作为产出文件的扩展名.
type Kind string

func (k Kind) String() string {
	return string(k)
}

// DecoderFormat 返回该类型对应的Go图像解码器格式名.
func (k Kind) DecoderFormat() string {
	switch k {
	case JPG, JPEG:
		return "jpeg"
	case PNG:
		return "png"
	}
	return string(k)
}

const (
	JPG  Kind = "jpg"
	JPEG Kind = "jpeg" // 仅出现于已有文件拷贝模式, 雕复目录中不含此类型.
	PNG  Kind = "png"
)

// 各图像格式的起始/结束签名.
// 起始签名的书写顺序即为扫描优先级, 此顺序是可观测行为, 不可随意调整.
const (
	JPEGSOIJFIFMagic  = "\xFF\xD8\xFF\xE0\x00\x10\x4A\x46" // SOI+APP0, JFIF标识.
	JPEGSOIExifMagic  = "\xFF\xD8\xFF\xE1"                 // SOI+APP1, Exif标识.
	JPEGSOIDQTMagic   = "\xFF\xD8\xFF\xDB"                 // SOI+DQT.
	JPEGSOIAPP0Magic  = "\xFF\xD8\xFF\xE0"                 // SOI+APP0.
	JPEGSOIAPP14Magic = "\xFF\xD8\xFF\xEE"                 // SOI+APP14, Adobe标识.
	JPEGSOISOF0Magic  = "\xFF\xD8\xFF\xC0"                 // SOI+SOF0.
	JPEGSOIDHTMagic   = "\xFF\xD8\xFF\xC4"                 // SOI+DHT.
	JPEGPrefixMagic   = "\xFF\xD8\xFF"                     // 所有JPEG起始签名的公共前缀.
	JPEGEOIMagic      = "\xFF\xD9"                         // EOI结束标记.
	PNGHeaderMagic    = "\x89\x50\x4E\x47\x0D\x0A\x1A\x0A" // PNG文件头.
	PNGIENDMagic      = "\x49\x45\x4E\x44\xAE\x42\x60\x82" // IEND块类型及其固定CRC.
)

// 结束签名命中后需额外保留的字节数(自命中位置起算).
// PNG按固定12字节保留(4字节长度+4字节类型+4字节CRC), 不解析IEND块的长度字段.
const (
	JPEGEndRetain = 2
	PNGEndRetain  = 12
)
