package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	snaperrors "snapshotter/internal/errors"
	"snapshotter/pkg/models"

	"github.com/sirupsen/logrus"
)

// maxLineSize 单行区块JSON的最大长度
const maxLineSize = 64 * 1024 * 1024

// FileSource 从JSON Lines文件读取区块，每行一个区块
// 路径为 "-" 时从标准输入读取
type FileSource struct {
	path   string
	rng    Range
	logger *logrus.Logger
	reader io.Reader
}

// NewFileSource 创建文件来源
func NewFileSource(path string, rng Range, logger *logrus.Logger) *FileSource {
	return &FileSource{path: path, rng: rng, logger: logger}
}

// NewReaderSource 从任意 reader 读取区块
func NewReaderSource(reader io.Reader, rng Range, logger *logrus.Logger) *FileSource {
	return &FileSource{path: "reader", rng: rng, logger: logger, reader: reader}
}

// Run 按行读取并投递范围内的区块
func (s *FileSource) Run(ctx context.Context, handler Handler) error {
	reader := s.reader
	if reader == nil {
		if s.path == "-" {
			reader = os.Stdin
		} else {
			file, err := os.Open(s.path)
			if err != nil {
				return snaperrors.WrapError(err, snaperrors.ErrorTypeFileIO, snaperrors.SeverityCritical,
					"SOURCE_OPEN_FAILED", fmt.Sprintf("打开区块文件 %s 失败", s.path))
			}
			defer file.Close()
			reader = file
		}
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineSize)

	line := 0
	delivered := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}

		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		block, err := models.DecodeBlock(data)
		if err != nil {
			return snaperrors.WrapError(err, snaperrors.ErrorTypeSerialization, snaperrors.SeverityHigh,
				"SOURCE_DECODE_FAILED", fmt.Sprintf("%s 第 %d 行区块解析失败", s.path, line))
		}

		if !s.rng.Contains(block.Number) {
			// 文件按高度有序时，超过结束高度即可停止
			if s.rng.End > 0 && block.Number > s.rng.End {
				s.logger.Debugf("区块 %d 超过结束高度 %d，停止读取", block.Number, s.rng.End)
				break
			}
			continue
		}

		if err := handler(ctx, block); err != nil {
			return err
		}
		delivered++
	}

	if err := scanner.Err(); err != nil {
		return snaperrors.WrapError(err, snaperrors.ErrorTypeFileIO, snaperrors.SeverityHigh,
			"SOURCE_READ_FAILED", fmt.Sprintf("读取区块文件 %s 失败", s.path))
	}

	s.logger.Infof("区块文件 %s 读取完成，共投递 %d 个区块", s.path, delivered)
	return nil
}

// Close 文件在 Run 结束时已关闭
func (s *FileSource) Close() error {
	return nil
}
