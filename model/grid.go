package model

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
)

// MaxGridSize bounds both grid dimensions.
const MaxGridSize = 50

var (
	ErrGridTooLarge = errors.New("grid too large")
	ErrInvalidGrid  = errors.New("invalid grid")
)

// Cell of a layered grid: a base marker plus the sensors and equipment placed on it.
type Cell struct {
	Base       int     `json:"base"`
	Sensors    []int64 `json:"sensors"`
	Equipments []int64 `json:"equipments"`
}

// Point addresses a grid cell in position coordinates: X is the column, Y the row.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type gridKind int

const (
	gridLayered gridKind = iota
	gridLegacy
)

// Grid is the floor plan of a house. Two stored shapes are accepted: the legacy
// flat integer array and the layered per-cell form. Both are read through the
// same accessors; legacy cells have no sensors or equipment.
type Grid struct {
	kind   gridKind
	legacy [][]int
	cells  [][]Cell
}

// NewLegacyGrid wraps a flat integer grid.
func NewLegacyGrid(rows [][]int) *Grid {
	return &Grid{kind: gridLegacy, legacy: rows}
}

// NewLayeredGrid wraps a layered grid.
func NewLayeredGrid(rows [][]Cell) *Grid {
	return &Grid{kind: gridLayered, cells: rows}
}

// NewEmptyGrid returns a layered grid of the given size with all bases zero.
func NewEmptyGrid(cols, rows int) *Grid {
	cells := make([][]Cell, rows)
	for r := range cells {
		cells[r] = make([]Cell, cols)
	}
	return NewLayeredGrid(cells)
}

func (g *Grid) IsLegacy() bool {
	return g.kind == gridLegacy
}

func (g *Grid) Rows() int {
	if g.kind == gridLegacy {
		return len(g.legacy)
	}
	return len(g.cells)
}

// Cols is the width of the first row.
func (g *Grid) Cols() int {
	if g.Rows() == 0 {
		return 0
	}
	if g.kind == gridLegacy {
		return len(g.legacy[0])
	}
	return len(g.cells[0])
}

func (g *Grid) rowLen(row int) int {
	if g.kind == gridLegacy {
		return len(g.legacy[row])
	}
	return len(g.cells[row])
}

func (g *Grid) InBounds(row, col int) bool {
	return row >= 0 && row < g.Rows() && col >= 0 && col < g.rowLen(row)
}

// Base value of a cell (empty, wall or room marker).
func (g *Grid) Base(row, col int) int {
	if !g.InBounds(row, col) {
		return 0
	}
	if g.kind == gridLegacy {
		return g.legacy[row][col]
	}
	return g.cells[row][col].Base
}

// Sensors placed on a cell.
func (g *Grid) Sensors(row, col int) []int64 {
	if g.kind == gridLegacy || !g.InBounds(row, col) {
		return nil
	}
	return g.cells[row][col].Sensors
}

// Equipments placed on a cell.
func (g *Grid) Equipments(row, col int) []int64 {
	if g.kind == gridLegacy || !g.InBounds(row, col) {
		return nil
	}
	return g.cells[row][col].Equipments
}

// Cell returns the full content of a cell in layered form.
func (g *Grid) Cell(row, col int) Cell {
	return Cell{
		Base:       g.Base(row, col),
		Sensors:    ids(g.Sensors(row, col)),
		Equipments: ids(g.Equipments(row, col)),
	}
}

func ids(li []int64) []int64 {
	if li == nil {
		return []int64{}
	}
	return li
}

func hasID(li []int64, id int64) bool {
	for _, v := range li {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(li []int64, id int64) []int64 {
	out := li[:0]
	for _, v := range li {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// SensorCoverage lists every cell the sensor is placed on. Full scan: grids are
// at most MaxGridSize square.
func (g *Grid) SensorCoverage(sensorID int64) []Point {
	var coverage []Point
	for row := 0; row < g.Rows(); row++ {
		for col := 0; col < g.rowLen(row); col++ {
			if hasID(g.Sensors(row, col), sensorID) {
				coverage = append(coverage, Point{X: col, Y: row})
			}
		}
	}
	return coverage
}

// EquipmentCoverage lists every cell the equipment is placed on.
func (g *Grid) EquipmentCoverage(equipmentID int64) []Point {
	var coverage []Point
	for row := 0; row < g.Rows(); row++ {
		for col := 0; col < g.rowLen(row); col++ {
			if hasID(g.Equipments(row, col), equipmentID) {
				coverage = append(coverage, Point{X: col, Y: row})
			}
		}
	}
	return coverage
}

// promote converts a legacy grid to the layered form in place.
func (g *Grid) promote() {
	if g.kind != gridLegacy {
		return
	}
	cells := make([][]Cell, len(g.legacy))
	for r, row := range g.legacy {
		cells[r] = make([]Cell, len(row))
		for c, base := range row {
			cells[r][c] = Cell{Base: base, Sensors: []int64{}, Equipments: []int64{}}
		}
	}
	g.kind = gridLayered
	g.cells = cells
	g.legacy = nil
}

func (g *Grid) SetBase(row, col, base int) {
	if !g.InBounds(row, col) {
		return
	}
	if g.kind == gridLegacy {
		g.legacy[row][col] = base
		return
	}
	g.cells[row][col].Base = base
}

func (g *Grid) AddSensor(row, col int, sensorID int64) {
	if !g.InBounds(row, col) {
		return
	}
	g.promote()
	cell := &g.cells[row][col]
	if !hasID(cell.Sensors, sensorID) {
		cell.Sensors = append(cell.Sensors, sensorID)
	}
}

func (g *Grid) RemoveSensor(row, col int, sensorID int64) {
	if g.kind == gridLegacy || !g.InBounds(row, col) {
		return
	}
	cell := &g.cells[row][col]
	cell.Sensors = removeID(cell.Sensors, sensorID)
}

// PaintSensor places the sensor on every point given.
func (g *Grid) PaintSensor(sensorID int64, points []Point) {
	for _, p := range points {
		g.AddSensor(p.Y, p.X, sensorID)
	}
}

// ClearSensor removes the sensor from the whole grid.
func (g *Grid) ClearSensor(sensorID int64) {
	for row := 0; row < g.Rows(); row++ {
		for col := 0; col < g.rowLen(row); col++ {
			g.RemoveSensor(row, col, sensorID)
		}
	}
}

func (g *Grid) AddEquipment(row, col int, equipmentID int64) {
	if !g.InBounds(row, col) {
		return
	}
	g.promote()
	cell := &g.cells[row][col]
	if !hasID(cell.Equipments, equipmentID) {
		cell.Equipments = append(cell.Equipments, equipmentID)
	}
}

func (g *Grid) RemoveEquipment(row, col int, equipmentID int64) {
	if g.kind == gridLegacy || !g.InBounds(row, col) {
		return
	}
	cell := &g.cells[row][col]
	cell.Equipments = removeID(cell.Equipments, equipmentID)
}

// ClearEquipment removes the equipment from the whole grid.
func (g *Grid) ClearEquipment(equipmentID int64) {
	for row := 0; row < g.Rows(); row++ {
		for col := 0; col < g.rowLen(row); col++ {
			g.RemoveEquipment(row, col, equipmentID)
		}
	}
}

// Validate checks the grid is rectangular and within MaxGridSize.
func (g *Grid) Validate() error {
	rows, cols := g.Rows(), g.Cols()
	if rows > MaxGridSize || cols > MaxGridSize {
		return errors.Wrapf(ErrGridTooLarge, "%dx%d exceeds %dx%d", cols, rows, MaxGridSize, MaxGridSize)
	}
	for r := 0; r < rows; r++ {
		if g.rowLen(r) != cols {
			return errors.Wrapf(ErrInvalidGrid, "row %d has %d cells, expected %d", r, g.rowLen(r), cols)
		}
	}
	return nil
}

func (g Grid) MarshalJSON() ([]byte, error) {
	if g.kind == gridLegacy {
		if g.legacy == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(g.legacy)
	}
	rows := make([][]Cell, len(g.cells))
	for r, row := range g.cells {
		rows[r] = make([]Cell, len(row))
		for c, cell := range row {
			rows[r][c] = Cell{Base: cell.Base, Sensors: ids(cell.Sensors), Equipments: ids(cell.Equipments)}
		}
	}
	return json.Marshal(rows)
}

func (g *Grid) UnmarshalJSON(data []byte) error {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return errors.Wrap(ErrInvalidGrid, err.Error())
	}
	legacy := false
	if len(rows) > 0 {
		var first []json.RawMessage
		if err := json.Unmarshal(rows[0], &first); err != nil {
			return errors.Wrap(ErrInvalidGrid, err.Error())
		}
		if len(first) > 0 {
			b := bytes.TrimSpace(first[0])
			legacy = len(b) > 0 && b[0] != '{'
		}
	}
	if legacy {
		var li [][]int
		if err := json.Unmarshal(data, &li); err != nil {
			return errors.Wrap(ErrInvalidGrid, err.Error())
		}
		*g = Grid{kind: gridLegacy, legacy: li}
		return nil
	}
	var cells [][]Cell
	if err := json.Unmarshal(data, &cells); err != nil {
		return errors.Wrap(ErrInvalidGrid, err.Error())
	}
	*g = Grid{kind: gridLayered, cells: cells}
	return nil
}

func (g Grid) Value() (driver.Value, error) {
	return g.MarshalJSON()
}

func (g *Grid) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return g.UnmarshalJSON(v)
	case string:
		return g.UnmarshalJSON([]byte(v))
	}
	return errors.Errorf("grid: unsupported type %T", src)
}

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	if g == nil {
		return nil
	}
	c := &Grid{kind: g.kind}
	if g.legacy != nil {
		c.legacy = make([][]int, len(g.legacy))
		for r, row := range g.legacy {
			c.legacy[r] = append([]int(nil), row...)
		}
	}
	if g.cells != nil {
		c.cells = make([][]Cell, len(g.cells))
		for r, row := range g.cells {
			c.cells[r] = make([]Cell, len(row))
			for col, cell := range row {
				c.cells[r][col] = Cell{
					Base:       cell.Base,
					Sensors:    append([]int64(nil), cell.Sensors...),
					Equipments: append([]int64(nil), cell.Equipments...),
				}
			}
		}
	}
	return c
}
