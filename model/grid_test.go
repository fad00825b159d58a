package model

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseGrid(t *testing.T, s string) *Grid {
	var g Grid
	require.NoError(t, json.Unmarshal([]byte(s), &g))
	return &g
}

func TestGridLegacy(t *testing.T) {
	g := parseGrid(t, `[[0,1,1],[2,2,0]]`)
	assert.True(t, g.IsLegacy())
	assert.Equal(t, 2, g.Rows())
	assert.Equal(t, 3, g.Cols())
	assert.Equal(t, 1, g.Base(0, 2))
	assert.Equal(t, 2, g.Base(1, 0))
	assert.Empty(t, g.Sensors(0, 0))
	assert.Empty(t, g.Equipments(1, 1))
	assert.Empty(t, g.SensorCoverage(1))
}

func TestGridLayered(t *testing.T) {
	g := parseGrid(t, `[[{"base":1,"sensors":[7]},{"base":1,"sensors":[],"equipments":[3]}],
		[{"base":0},{"base":2,"sensors":[7,8]}]]`)
	assert.False(t, g.IsLegacy())
	assert.Equal(t, 1, g.Base(0, 0))
	assert.Equal(t, []int64{3}, g.Equipments(0, 1))
	assert.Equal(t, []Point{{X: 0, Y: 0}, {X: 1, Y: 1}}, g.SensorCoverage(7))
	assert.Equal(t, []Point{{X: 1, Y: 1}}, g.SensorCoverage(8))
	assert.Equal(t, []Point{{X: 1, Y: 0}}, g.EquipmentCoverage(3))
}

func TestGridLegacyEquivalence(t *testing.T) {
	legacy := parseGrid(t, `[[5,6]]`)
	layered := parseGrid(t, `[[{"base":5},{"base":6,"sensors":[],"equipments":[]}]]`)
	for col := 0; col < 2; col++ {
		assert.Equal(t, layered.Cell(0, col), legacy.Cell(0, col))
	}
}

func TestGridOutOfBounds(t *testing.T) {
	g := parseGrid(t, `[[1]]`)
	assert.Equal(t, 0, g.Base(3, 3))
	assert.Nil(t, g.Sensors(-1, 0))
	assert.False(t, g.InBounds(1, 0))
}

func TestGridEmpty(t *testing.T) {
	g := parseGrid(t, `[]`)
	assert.Equal(t, 0, g.Rows())
	assert.Equal(t, 0, g.Cols())
	assert.Empty(t, g.SensorCoverage(1))
	assert.NoError(t, g.Validate())
}

func TestGridAddSensorPromotesLegacy(t *testing.T) {
	g := parseGrid(t, `[[4,0],[0,0]]`)
	g.AddSensor(1, 0, 9)
	g.AddSensor(1, 0, 9)
	assert.False(t, g.IsLegacy())
	assert.Equal(t, 4, g.Base(0, 0))
	assert.Equal(t, []int64{9}, g.Sensors(1, 0))
	assert.Equal(t, []Point{{X: 0, Y: 1}}, g.SensorCoverage(9))

	g.ClearSensor(9)
	assert.Empty(t, g.SensorCoverage(9))
}

func TestGridPaintSensor(t *testing.T) {
	g := NewEmptyGrid(3, 3)
	g.PaintSensor(2, []Point{{X: 0, Y: 0}, {X: 2, Y: 1}})
	assert.Equal(t, []Point{{X: 0, Y: 0}, {X: 2, Y: 1}}, g.SensorCoverage(2))
}

func TestGridEquipment(t *testing.T) {
	g := NewEmptyGrid(2, 1)
	g.AddEquipment(0, 1, 5)
	assert.Equal(t, []int64{5}, g.Equipments(0, 1))
	g.RemoveEquipment(0, 1, 5)
	assert.Empty(t, g.Equipments(0, 1))
	g.AddEquipment(0, 0, 5)
	g.ClearEquipment(5)
	assert.Empty(t, g.EquipmentCoverage(5))
}

func TestGridValidate(t *testing.T) {
	assert.ErrorIs(t, NewEmptyGrid(51, 2).Validate(), ErrGridTooLarge)
	assert.ErrorIs(t, parseGrid(t, `[[1,2],[3]]`).Validate(), ErrInvalidGrid)
	assert.NoError(t, NewEmptyGrid(50, 50).Validate())
}

func TestGridBadJSON(t *testing.T) {
	var g Grid
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"a":1}`), &g), ErrInvalidGrid)
}

func TestGridScan(t *testing.T) {
	var g Grid
	require.NoError(t, g.Scan([]byte(`[[1]]`)))
	assert.True(t, g.IsLegacy())
	assert.Error(t, g.Scan(42))
}

func ExampleGrid_MarshalJSON() {
	g := NewLegacyGrid([][]int{{1, 0}})
	b, _ := json.Marshal(g)
	fmt.Println(string(b))
	g.AddSensor(0, 1, 3)
	b, _ = json.Marshal(g)
	fmt.Println(string(b))
	// Output:
	// [[1,0]]
	// [[{"base":1,"sensors":[],"equipments":[]},{"base":0,"sensors":[3],"equipments":[]}]]
}

func TestGridClone(t *testing.T) {
	g := NewEmptyGrid(2, 2)
	g.AddSensor(0, 0, 1)
	c := g.Clone()
	c.AddSensor(1, 1, 1)
	assert.Len(t, g.SensorCoverage(1), 1)
	assert.Len(t, c.SensorCoverage(1), 2)
	var nilGrid *Grid
	assert.Nil(t, nilGrid.Clone())
}
