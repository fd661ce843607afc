package visor

import (
	"bytes"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skycoin/skycoin/src/util/logging"
)

// TaggedFormatter prepends a tag to every log record, so that the output of
// several nodes sharing a terminal can be told apart.
type TaggedFormatter struct {
	tag []byte
	*logging.TextFormatter
}

// Format executes formatting of TaggedFormatter
func (tf *TaggedFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data, err := tf.TextFormatter.Format(entry)
	return bytes.Join([][]byte{tf.tag, data}, []byte(" ")), err
}

// NewTaggedMasterLogger creates a MasterLogger writing to out that prepends
// records with tag.
func NewTaggedMasterLogger(tag string, out io.Writer) *logging.MasterLogger {
	return &logging.MasterLogger{
		Logger: &logrus.Logger{
			Out: out,
			Formatter: &TaggedFormatter{
				tag: []byte("[" + tag + "]"),
				TextFormatter: &logging.TextFormatter{
					AlwaysQuoteStrings: true,
					QuoteEmptyFields:   true,
					FullTimestamp:      true,
					ForceFormatting:    true,
					TimestampFormat:    time.StampMicro,
				},
			},
			Hooks: make(logrus.LevelHooks),
			Level: logrus.InfoLevel,
		},
	}
}
