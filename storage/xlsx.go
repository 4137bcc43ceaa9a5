package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"sheetmail/internal/logger"
	"sheetmail/queue"
)

// Workbook is a spreadsheet message source. The sheet is read once on open;
// status cells are written back and the file saved after every update.
type Workbook struct {
	file  *excelize.File
	sheet string
	opts  Options
	rows  [][]string
	pos   int
	log   zerolog.Logger
}

// OpenWorkbook opens the spreadsheet at path.
func OpenWorkbook(path string, opts Options, log zerolog.Logger) (*Workbook, error) {
	for _, col := range []int{opts.ColTo, opts.ColSubject, opts.ColBody, opts.ColStatus} {
		if col < 0 {
			return nil, fmt.Errorf("invalid column index %d", col)
		}
	}
	if opts.RowOffset < 0 {
		return nil, fmt.Errorf("invalid row offset %d", opts.RowOffset)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	sheet := f.GetSheetName(opts.SheetIndex)
	if sheet == "" {
		_ = f.Close()
		return nil, fmt.Errorf("sheet index %d not found in %s", opts.SheetIndex, path)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w := &Workbook{
		file:  f,
		sheet: sheet,
		opts:  opts,
		rows:  rows,
		pos:   opts.RowOffset,
		log:   logger.OrNop(log).With().Str("sheet", sheet).Logger(),
	}
	w.log.Debug().Int("rows", len(rows)).Msg("opened workbook")
	return w, nil
}

// Next returns the next pending row. Sheet rows are numbered from 1.
func (w *Workbook) Next(ctx context.Context) (queue.Message, error) {
	for w.pos < len(w.rows) {
		if err := ctx.Err(); err != nil {
			return queue.Message{}, err
		}
		idx := w.pos
		w.pos++
		row := w.rows[idx]
		rowNum := queue.RowID(idx + 1)

		status, err := queue.ParseStatus(cell(row, w.opts.ColStatus))
		if err != nil {
			w.log.Warn().Err(err).Int64("row", int64(rowNum)).Msg("skipping row with unreadable status")
			continue
		}
		if status != queue.Pending {
			w.log.Debug().Int64("row", int64(rowNum)).Stringer("status", status).Msg("row already processed")
			continue
		}

		msg := queue.Message{
			Row:     rowNum,
			To:      cell(row, w.opts.ColTo),
			Subject: cell(row, w.opts.ColSubject),
			Body:    cell(row, w.opts.ColBody),
		}
		if w.opts.StaticSubject != "" {
			msg.Subject = w.opts.StaticSubject
		}
		return msg, nil
	}
	return queue.Message{}, io.EOF
}

// SetStatus writes status into the row's status cell and saves the file.
func (w *Workbook) SetStatus(ctx context.Context, row queue.RowID, status queue.Status) error {
	if row < 1 {
		return errors.New("invalid row")
	}
	idx := int(row) - 1
	if idx < len(w.rows) {
		for len(w.rows[idx]) <= w.opts.ColStatus {
			w.rows[idx] = append(w.rows[idx], "")
		}
		w.rows[idx][w.opts.ColStatus] = fmt.Sprint(int(status))
	}
	if w.opts.ReadOnly {
		return nil
	}

	axis, err := excelize.CoordinatesToCellName(w.opts.ColStatus+1, int(row))
	if err != nil {
		return err
	}
	if err := w.file.SetCellValue(w.sheet, axis, int(status)); err != nil {
		return err
	}
	return w.file.Save()
}

func (w *Workbook) Close() error {
	return w.file.Close()
}
