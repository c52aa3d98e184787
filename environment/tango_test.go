package environment

import (
	"errors"
	"testing"

	"arcade/logging"
	"arcade/models"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/exp/rand"
)

func parseGrid(rows ...string) [][]models.Symbol {
	grid := make([][]models.Symbol, len(rows))
	for r, row := range rows {
		grid[r] = make([]models.Symbol, len(row))
		for c, ch := range row {
			if ch != '.' {
				grid[r][c] = models.Symbol(ch)
			}
		}
	}
	return grid
}

func solvedGrid() [][]models.Symbol {
	return parseGrid(
		"OOCOCC",
		"OOCOCC",
		"CCOCOO",
		"OOCOCC",
		"CCOCOO",
		"CCOCOO",
	)
}

func pair(r1, c1, r2, c2 int) CellPair {
	return CellPair{{Row: r1, Col: c1}, {Row: r2, Col: c2}}
}

// newTestTango returns a puzzle with fixed constraints that the solved grid satisfies.
func newTestTango(maxActions int) *Tango {
	tango, err := NewTango(TangoConfig{
		GridSize:   6,
		MaxActions: maxActions,
		Constraints: Constraints{
			EqualPairs: []CellPair{pair(0, 0, 0, 1)},
			DiffPairs:  []CellPair{pair(0, 1, 0, 2)},
		},
	}, rand.New(rand.NewSource(3)), logging.Nop())
	So(err, ShouldBeNil)
	So(tango.SetGrid(parseGrid("......", "......", "......", "......", "......", "......")), ShouldBeNil)
	return tango
}

func TestTangoSolved(t *testing.T) {
	Convey("Given a puzzle", t, func() {
		tango := newTestTango(100)

		Convey("A valid full grid is solved", func() {
			So(tango.SetGrid(solvedGrid()), ShouldBeNil)
			So(tango.IsSolved(), ShouldBeTrue)
		})

		Convey("A grid with one empty cell is not solved", func() {
			grid := solvedGrid()
			grid[3][3] = models.Empty
			So(tango.SetGrid(grid), ShouldBeNil)
			So(tango.IsSolved(), ShouldBeFalse)
		})

		Convey("A balanced grid with three equal symbols in a column is not solved", func() {
			So(tango.SetGrid(parseGrid(
				"COCCOO",
				"COOCOC",
				"OCOOCC",
				"COCOOC",
				"OCOCCO",
				"OCCOCO",
			)), ShouldBeNil)
			So(tango.SetConstraints(Constraints{}), ShouldBeNil)
			So(tango.IsSolved(), ShouldBeFalse)
		})

		Convey("A grid without triples but with unbalanced lines is not solved", func() {
			So(tango.SetGrid(parseGrid(
				"OCOCCO",
				"COCOOC",
				"OCOOCO",
				"COCCOC",
				"OOCCOO",
				"CCOOCO",
			)), ShouldBeNil)
			So(tango.SetConstraints(Constraints{}), ShouldBeNil)
			So(tango.IsSolved(), ShouldBeFalse)
		})

		Convey("A valid grid breaking an equal constraint is not solved", func() {
			So(tango.SetGrid(solvedGrid()), ShouldBeNil)
			So(tango.SetConstraints(Constraints{EqualPairs: []CellPair{pair(0, 0, 0, 2)}}), ShouldBeNil)
			So(tango.IsSolved(), ShouldBeFalse)
		})

		Convey("A valid grid breaking a diff constraint is not solved", func() {
			So(tango.SetGrid(solvedGrid()), ShouldBeNil)
			So(tango.SetConstraints(Constraints{DiffPairs: []CellPair{pair(0, 0, 1, 0)}}), ShouldBeNil)
			So(tango.IsSolved(), ShouldBeFalse)
		})
	})
}

func TestTangoStep(t *testing.T) {
	Convey("Given an empty puzzle", t, func() {
		tango := newTestTango(100)

		Convey("A placement passing every check scores 1.5", func() {
			_, reward, done, err := tango.Step(models.Place(3, 3, models.SymbolO))
			So(err, ShouldBeNil)
			So(reward, ShouldEqual, 1.5)
			So(done, ShouldBeFalse)
		})

		Convey("A third consecutive symbol is penalised once", func() {
			So(tango.SetGrid(parseGrid("OO....", "......", "......", "......", "......", "......")), ShouldBeNil)
			So(tango.SetConstraints(Constraints{}), ShouldBeNil)
			_, reward, _, err := tango.Step(models.Place(0, 2, models.SymbolO))
			So(err, ShouldBeNil)
			So(reward, ShouldEqual, 0.0)
		})

		Convey("Exceeding the required count in a row is penalised once", func() {
			So(tango.SetGrid(parseGrid("OCOCO.", "......", "......", "......", "......", "......")), ShouldBeNil)
			So(tango.SetConstraints(Constraints{}), ShouldBeNil)
			_, reward, _, err := tango.Step(models.Place(0, 5, models.SymbolO))
			So(err, ShouldBeNil)
			So(reward, ShouldEqual, 0.0)
		})

		Convey("Breaking a constraint is penalised once", func() {
			_, _, _, err := tango.Step(models.Place(0, 0, models.SymbolO))
			So(err, ShouldBeNil)
			_, reward, _, err := tango.Step(models.Place(0, 1, models.SymbolC))
			So(err, ShouldBeNil)
			So(reward, ShouldEqual, 0.0)
		})

		Convey("Completing a valid grid ends the episode", func() {
			grid := solvedGrid()
			grid[5][5] = models.Empty
			So(tango.SetGrid(grid), ShouldBeNil)
			_, reward, done, err := tango.Step(models.Place(5, 5, models.SymbolO))
			So(err, ShouldBeNil)
			So(done, ShouldBeTrue)
			So(reward, ShouldEqual, 1.5)
			So(tango.IsDone(), ShouldBeTrue)
		})

		Convey("An out of range placement fails and leaves the grid unmodified", func() {
			before := tango.State()
			_, _, _, err := tango.Step(models.Place(2, 2, models.SymbolC))
			So(err, ShouldBeNil)
			after := tango.State()

			_, _, _, err = tango.Step(models.Place(6, 0, models.SymbolO))
			So(errors.Is(err, ErrOutOfBounds), ShouldBeTrue)
			_, _, _, err = tango.Step(models.Place(0, -1, models.SymbolO))
			So(errors.Is(err, ErrOutOfBounds), ShouldBeTrue)
			So(tango.State(), ShouldResemble, after)

			So(tango.UndoLastAction(), ShouldBeTrue)
			So(tango.State(), ShouldResemble, before)
		})

		Convey("An unknown symbol fails without writing", func() {
			before := tango.State()
			_, _, _, err := tango.Step(models.Place(1, 1, models.Symbol('X')))
			So(errors.Is(err, ErrInvalidSymbol), ShouldBeTrue)
			So(tango.State(), ShouldResemble, before)
			So(tango.UndoLastAction(), ShouldBeFalse)
		})

		Convey("A discrete action is rejected", func() {
			_, _, _, err := tango.Step(models.Discrete(1))
			So(errors.Is(err, ErrInvalidAction), ShouldBeTrue)
		})
	})

	Convey("Given a puzzle with an action budget of two", t, func() {
		tango := newTestTango(2)

		Convey("The step after the budget forces the episode to end with a penalty", func() {
			for i := 0; i < 2; i++ {
				_, _, done, err := tango.Step(models.Place(3, i, models.SymbolO))
				So(err, ShouldBeNil)
				So(done, ShouldBeFalse)
			}
			_, reward, done, err := tango.Step(models.Place(4, 0, models.SymbolC))
			So(err, ShouldBeNil)
			So(done, ShouldBeTrue)
			So(reward, ShouldEqual, TangoBudgetReward)
		})
	})
}

func TestTangoReset(t *testing.T) {
	Convey("Given a puzzle without configured constraints", t, func() {
		tango, err := NewTango(TangoConfig{}, rand.New(rand.NewSource(11)), logging.Nop())
		So(err, ShouldBeNil)

		Convey("Reset pre-fills three cells of each symbol", func() {
			o, c := 0, 0
			for _, row := range tango.State().Grid {
				ro, rc := countSymbols(row)
				o += ro
				c += rc
			}
			So(o, ShouldEqual, 3)
			So(c, ShouldEqual, 3)
		})

		Convey("Random constraints are generated once and kept across resets", func() {
			first := tango.Constraints()
			So(len(first.EqualPairs), ShouldEqual, 4)
			So(len(first.DiffPairs), ShouldEqual, 4)
			tango.Reset()
			So(tango.Constraints(), ShouldResemble, first)
		})

		Convey("Explicitly reset constraints are regenerated on the next reset", func() {
			tango.ResetConstraints()
			So(tango.Constraints().Empty(), ShouldBeTrue)
			tango.Reset()
			So(len(tango.Constraints().EqualPairs), ShouldEqual, 4)
		})

		Convey("NumericState maps symbols to 0, 1 and -1", func() {
			So(tango.SetGrid(parseGrid("OC....", "......", "......", "......", "......", "......")), ShouldBeNil)
			numeric := tango.NumericState()
			So(numeric[0][:3], ShouldResemble, []int{0, 1, -1})
		})
	})

	Convey("Given a puzzle with configured constraints", t, func() {
		supplied := Constraints{
			EqualPairs: []CellPair{{{Row: 0, Col: 0}, {Row: 0, Col: 1}}},
			DiffPairs:  []CellPair{{{Row: 2, Col: 2}, {Row: 3, Col: 2}}},
		}
		tango, err := NewTango(TangoConfig{GridSize: 4, Constraints: supplied}, rand.New(rand.NewSource(12)), logging.Nop())
		So(err, ShouldBeNil)

		Convey("They are kept across resets and no random pairs are added", func() {
			So(tango.Constraints(), ShouldResemble, supplied)
			tango.Reset()
			tango.Reset()
			So(tango.Constraints(), ShouldResemble, supplied)
		})

		Convey("The description carries the size, balance and pairs", func() {
			desc := tango.Describe()
			So(desc["gridSize"], ShouldEqual, 4)
			So(desc["requiredCount"], ShouldEqual, 2)
			So(desc["constraints"], ShouldResemble, supplied)
		})
	})

	Convey("Configured constraints outside the grid are rejected", t, func() {
		_, err := NewTango(TangoConfig{
			GridSize:    4,
			Constraints: Constraints{EqualPairs: []CellPair{{{Row: 0, Col: 0}, {Row: 4, Col: 0}}}},
		}, rand.New(rand.NewSource(1)), logging.Nop())
		So(errors.Is(err, ErrOutOfBounds), ShouldBeTrue)
	})

	Convey("An odd grid size is rejected", t, func() {
		_, err := NewTango(TangoConfig{GridSize: 5}, rand.New(rand.NewSource(1)), logging.Nop())
		So(errors.Is(err, ErrOddGridSize), ShouldBeTrue)
	})
}
