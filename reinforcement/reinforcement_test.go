package reinforcement

import (
	"errors"
	"math"
	"testing"

	"arcade/models"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/afero"
	"golang.org/x/exp/rand"
)

type params map[string]float64

func (p params) GetHyperParamOrDefault(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func vec(vals ...float64) models.Observation {
	return models.NewVector(vals)
}

func emptyGrid(n int) [][]models.Symbol {
	grid := make([][]models.Symbol, n)
	for i := range grid {
		grid[i] = make([]models.Symbol, n)
	}
	return grid
}

func fullGrid(n int) [][]models.Symbol {
	grid := emptyGrid(n)
	for r := range grid {
		for c := range grid[r] {
			grid[r][c] = models.Symbols[(r+c)%2]
		}
	}
	return grid
}

func memStore() *FileStore {
	return NewFileStore(afero.NewMemMapFs(), "models")
}

func TestExploration(t *testing.T) {
	Convey("Epsilon never decays below its floor", t, func() {
		e := Exploration{Epsilon: 1, Decay: 0.9, Min: 0.05}
		prev := e.Epsilon
		for i := 0; i < 500; i++ {
			e = e.Decayed()
			So(e.Epsilon, ShouldAlmostEqual, math.Max(prev*0.9, 0.05), 1e-12)
			So(e.Epsilon, ShouldBeGreaterThanOrEqualTo, 0.05)
			prev = e.Epsilon
		}
		So(e.Epsilon, ShouldEqual, 0.05)
	})

	Convey("Not exploring uses the floor rate", t, func() {
		e := Exploration{Epsilon: 0.8, Decay: 0.99, Min: 0.02}
		So(e.Rate(true), ShouldEqual, 0.8)
		So(e.Rate(false), ShouldEqual, 0.02)
	})
}

func TestTabularQ(t *testing.T) {
	Convey("Given a zero-initialised tabular agent", t, func() {
		store := memStore()
		rng := rand.New(rand.NewSource(1))
		agent := NewTabularQ("snake", 2, 3, Defaults{}, store, rng, ZeroInit)

		Convey("Updating a fresh state toward an unseen successor stores alpha*R", func() {
			const R = 5.0
			err := agent.Update(models.Transition{
				State:  vec(0, 1),
				Action: models.Discrete(2),
				Reward: R,
				Next:   vec(1, 1),
			})
			So(err, ShouldBeNil)
			So(agent.Value(vec(0, 1))[2], ShouldAlmostEqual, 0.1*R, 1e-12)
			So(agent.Value(vec(0, 1))[0], ShouldEqual, 0)
		})

		Convey("A second update bootstraps from the successor row", func() {
			So(agent.Update(models.Transition{State: vec(1, 1), Action: models.Discrete(0), Reward: 10, Next: vec(2, 2)}), ShouldBeNil)
			So(agent.Update(models.Transition{State: vec(0, 1), Action: models.Discrete(1), Reward: 0, Next: vec(1, 1)}), ShouldBeNil)
			// Q(1,1)[0] = 1, so the target is 0.99 and Q(0,1)[1] = 0.099.
			So(agent.Value(vec(0, 1))[1], ShouldAlmostEqual, 0.099, 1e-12)
		})

		Convey("Epsilon decays after every update and stops at its floor", func() {
			So(agent.Epsilon(), ShouldEqual, 0.1)
			for i := 0; i < 1000; i++ {
				So(agent.Update(models.Transition{State: vec(0, 0), Action: models.Discrete(0), Reward: 1, Next: vec(0, 0)}), ShouldBeNil)
				So(agent.Epsilon(), ShouldBeGreaterThanOrEqualTo, 0.01)
			}
			So(agent.Epsilon(), ShouldEqual, 0.01)
		})

		Convey("Malformed transitions are rejected before any value changes", func() {
			bad := []models.Transition{
				{State: vec(0), Action: models.Discrete(0), Next: vec(0, 0)},
				{State: vec(0, 0), Action: models.Discrete(3), Next: vec(0, 0)},
				{State: vec(0, 0), Action: models.Discrete(-1), Next: vec(0, 0)},
				{State: vec(0, 0), Action: models.Discrete(0), Reward: math.NaN(), Next: vec(0, 0)},
				{State: vec(0, 0), Action: models.Discrete(0), Reward: math.Inf(-1), Next: vec(0, 0)},
				{State: vec(0, math.NaN()), Action: models.Discrete(0), Next: vec(0, 0)},
				{State: models.NewGrid(emptyGrid(2)), Action: models.Discrete(0), Next: vec(0, 0)},
				{State: vec(0, 0), Action: models.Place(0, 0, models.SymbolO), Next: vec(0, 0)},
			}
			for _, tr := range bad {
				So(errors.Is(agent.Update(tr), ErrMalformedTransition), ShouldBeTrue)
			}
			So(agent.Value(vec(0, 0)), ShouldBeNil)
			So(agent.Epsilon(), ShouldEqual, 0.1)
		})

		Convey("Actions off the exploration path follow the largest value", func() {
			So(agent.Update(models.Transition{State: vec(0, 1), Action: models.Discrete(1), Reward: 3, Next: vec(9, 9)}), ShouldBeNil)
			hits := 0
			for i := 0; i < 200; i++ {
				a, err := agent.Action(vec(0, 1), false)
				So(err, ShouldBeNil)
				if a.Index == 1 {
					hits++
				}
			}
			So(hits, ShouldBeGreaterThan, 180)
		})

		Convey("An untouched row picks uniformly at random", func() {
			seen := map[int]bool{}
			for i := 0; i < 200; i++ {
				a, err := agent.Action(vec(7, 7), false)
				So(err, ShouldBeNil)
				seen[a.Index] = true
			}
			So(len(seen), ShouldEqual, 3)
		})

		Convey("Load without a saved model reports ErrNoModel", func() {
			So(errors.Is(agent.Load(), ErrNoModel), ShouldBeTrue)
		})

		Convey("Save and Load round-trip the table and schedule", func() {
			So(agent.Update(models.Transition{State: vec(0.5, -1), Action: models.Discrete(1), Reward: 2, Next: vec(1, 1)}), ShouldBeNil)
			So(agent.Save(), ShouldBeNil)

			other := NewTabularQ("snake", 2, 3, Defaults{}, store, rand.New(rand.NewSource(2)), ZeroInit)
			So(other.Load(), ShouldBeNil)
			So(other.Value(vec(0.5, -1)), ShouldResemble, agent.Value(vec(0.5, -1)))
			So(other.Epsilon(), ShouldEqual, agent.Epsilon())
		})

		Convey("A table with another action count is refused", func() {
			So(agent.Save(), ShouldBeNil)
			other := NewTabularQ("snake", 2, 4, Defaults{}, store, rng, ZeroInit)
			So(errors.Is(other.Load(), ErrModelMismatch), ShouldBeTrue)
		})
	})

	Convey("Noise initialisation stays within a hundredth of zero", t, func() {
		row := NoiseInit(rand.New(rand.NewSource(3)))(50)
		for _, v := range row {
			So(math.Abs(v), ShouldBeLessThanOrEqualTo, 0.01)
		}
		So(allEqual(row), ShouldBeFalse)
	})
}

func TestValueNetworkQ(t *testing.T) {
	Convey("Given a value network agent", t, func() {
		store := memStore()
		agent := NewValueNetworkQ("pong", 3, 2, params{"gamma": 0}, store, rand.New(rand.NewSource(4)))
		s := vec(0.1, 0.2, 0.3)

		Convey("It starts fully exploring", func() {
			So(agent.Epsilon(), ShouldEqual, 1.0)
		})

		Convey("Repeated updates move Q(s,a) toward the reward", func() {
			before, err := agent.Values(s)
			So(err, ShouldBeNil)
			for i := 0; i < 200; i++ {
				So(agent.Update(models.Transition{State: s, Action: models.Discrete(1), Reward: 1, Next: vec(0, 0, 0)}), ShouldBeNil)
			}
			after, _ := agent.Values(s)
			So(math.Abs(after[1]-1), ShouldBeLessThan, math.Abs(before[1]-1))
			So(math.Abs(after[1]-1), ShouldBeLessThan, 0.2)

			Convey("and exploration has decayed", func() {
				So(agent.Epsilon(), ShouldAlmostEqual, math.Pow(0.995, 200), 1e-9)
				a, err := agent.Action(s, false)
				So(err, ShouldBeNil)
				So(a.Kind, ShouldEqual, models.DiscreteAction)
			})
		})

		Convey("Malformed transitions leave the network untouched", func() {
			before, _ := agent.Values(s)
			err := agent.Update(models.Transition{State: s, Action: models.Discrete(0), Reward: math.NaN(), Next: s})
			So(errors.Is(err, ErrMalformedTransition), ShouldBeTrue)
			err = agent.Update(models.Transition{State: vec(1, 2), Action: models.Discrete(0), Next: s})
			So(errors.Is(err, ErrMalformedTransition), ShouldBeTrue)
			after, _ := agent.Values(s)
			So(after, ShouldResemble, before)
			So(agent.Epsilon(), ShouldEqual, 1.0)
		})

		Convey("Observations of the wrong size cannot be acted on", func() {
			_, err := agent.Action(vec(1), true)
			So(err, ShouldNotBeNil)
		})

		Convey("Save and Load round-trip the network", func() {
			So(agent.Update(models.Transition{State: s, Action: models.Discrete(0), Reward: 1, Next: s}), ShouldBeNil)
			So(agent.Save(), ShouldBeNil)
			other := NewValueNetworkQ("pong", 3, 2, Defaults{}, store, rand.New(rand.NewSource(8)))
			So(other.Load(), ShouldBeNil)
			want, _ := agent.Values(s)
			got, _ := other.Values(s)
			So(got, ShouldResemble, want)
			So(other.Epsilon(), ShouldEqual, agent.Epsilon())
		})

		Convey("A network of another shape refuses the saved model", func() {
			So(agent.Save(), ShouldBeNil)
			other := NewValueNetworkQ("pong", 4, 2, Defaults{}, store, rand.New(rand.NewSource(8)))
			So(errors.Is(other.Load(), ErrModelMismatch), ShouldBeTrue)
		})
	})
}

func TestGridGraph(t *testing.T) {
	Convey("A 3x3 grid has one-hot features and 12 undirected edges", t, func() {
		grid := emptyGrid(3)
		grid[0][0] = models.SymbolO
		grid[1][2] = models.SymbolC
		g := GridGraph(grid)

		So(g.Nodes(), ShouldEqual, 9)
		So(len(g.Edges), ShouldEqual, 12)
		So(g.Features.RawRowView(0), ShouldResemble, []float64{1, 0, 0})
		So(g.Features.RawRowView(5), ShouldResemble, []float64{0, 1, 0})
		So(g.Features.RawRowView(4), ShouldResemble, []float64{0, 0, 1})

		degree := make([]int, 9)
		for _, e := range g.Edges {
			degree[e[0]]++
			degree[e[1]]++
		}
		So(degree, ShouldResemble, []int{2, 3, 2, 3, 4, 3, 2, 3, 2})
	})
}

func TestGraphValueQ(t *testing.T) {
	Convey("Given a graph value agent for a 4x4 puzzle", t, func() {
		store := memStore()
		agent := NewGraphValueQ("tango", 4, Defaults{}, store, rand.New(rand.NewSource(6)))

		Convey("Actions only target empty cells", func() {
			grid := fullGrid(4)
			grid[2][1] = models.Empty
			obs := models.NewGrid(grid)
			for _, explore := range []bool{true, false} {
				for i := 0; i < 20; i++ {
					a, err := agent.Action(obs, explore)
					So(err, ShouldBeNil)
					So(a.Kind, ShouldEqual, models.PlacementAction)
					So(a.Placement.Row, ShouldEqual, 2)
					So(a.Placement.Col, ShouldEqual, 1)
					So(a.Placement.Symbol.Valid(), ShouldBeTrue)
				}
			}
		})

		Convey("A full grid still yields an in-bounds placement", func() {
			a, err := agent.Action(models.NewGrid(fullGrid(4)), false)
			So(err, ShouldBeNil)
			So(a.Placement.Row, ShouldBeBetweenOrEqual, 0, 3)
			So(a.Placement.Col, ShouldBeBetweenOrEqual, 0, 3)
		})

		Convey("Greedy choice is the maximum over empty cells", func() {
			agent.explore = Exploration{Epsilon: 0, Decay: 1, Min: 0}
			grid := emptyGrid(4)
			grid[0][0] = models.SymbolO
			obs := models.NewGrid(grid)
			q, err := agent.Values(obs)
			So(err, ShouldBeNil)
			best := 2
			for i := 2; i < len(q); i++ {
				if q[i] > q[best] {
					best = i
				}
			}
			a, err := agent.Action(obs, false)
			So(err, ShouldBeNil)
			cell := best / 2
			So(a.Placement.Row, ShouldEqual, cell/4)
			So(a.Placement.Col, ShouldEqual, cell%4)
			So(a.Placement.Symbol, ShouldEqual, models.Symbols[best%2])
		})

		Convey("A filled successor uses the immediate reward as target", func() {
			state := fullGrid(4)
			state[3][3] = models.Empty
			next := fullGrid(4)
			tr := models.Transition{
				State:  models.NewGrid(state),
				Action: models.Place(3, 3, next[3][3]),
				Reward: 2,
				Next:   models.NewGrid(next),
				Done:   true,
			}
			idx := 15*2 + next[3][3].Index()
			for i := 0; i < 300; i++ {
				So(agent.Update(tr), ShouldBeNil)
			}
			q, _ := agent.Values(models.NewGrid(state))
			So(q[idx], ShouldAlmostEqual, 2, 0.2)
		})

		Convey("Malformed transitions are rejected", func() {
			good := models.NewGrid(emptyGrid(4))
			bad := []models.Transition{
				{State: models.NewGrid(emptyGrid(3)), Action: models.Place(0, 0, models.SymbolO), Next: good},
				{State: good, Action: models.Place(4, 0, models.SymbolO), Next: good},
				{State: good, Action: models.Place(0, 0, models.Symbol('X')), Next: good},
				{State: good, Action: models.Discrete(1), Next: good},
				{State: good, Action: models.Place(0, 0, models.SymbolC), Reward: math.Inf(1), Next: good},
				{State: vec(1, 2), Action: models.Place(0, 0, models.SymbolC), Next: good},
			}
			for _, tr := range bad {
				So(errors.Is(agent.Update(tr), ErrMalformedTransition), ShouldBeTrue)
			}
			So(agent.Epsilon(), ShouldEqual, 1.0)
		})

		Convey("Save and Load round-trip the network", func() {
			So(agent.Save(), ShouldBeNil)
			other := NewGraphValueQ("tango", 4, Defaults{}, store, rand.New(rand.NewSource(10)))
			So(other.Load(), ShouldBeNil)
			obs := models.NewGrid(emptyGrid(4))
			want, _ := agent.Values(obs)
			got, _ := other.Values(obs)
			So(got, ShouldResemble, want)
		})

		Convey("A model saved by another kind is refused", func() {
			So(store.Save(ModelKey(KindGraphValueNetwork, "tango"), []byte("kind: value_network\n")), ShouldBeNil)
			So(errors.Is(agent.Load(), ErrModelMismatch), ShouldBeTrue)
		})
	})
}

func TestFileStore(t *testing.T) {
	Convey("Given a file store on an in-memory filesystem", t, func() {
		fs := afero.NewMemMapFs()
		store := NewFileStore(fs, "models")

		Convey("Keys combine the agent kind and game", func() {
			So(ModelKey(KindTabular, "snake"), ShouldEqual, "tabular_snake.yaml")
		})

		Convey("Missing blobs are ErrNoModel", func() {
			_, err := store.Load("nothing.yaml")
			So(errors.Is(err, ErrNoModel), ShouldBeTrue)
		})

		Convey("Saved blobs are read back and overwrite earlier ones", func() {
			So(store.Save("a.yaml", []byte("one")), ShouldBeNil)
			So(store.Save("a.yaml", []byte("two")), ShouldBeNil)
			blob, err := store.Load("a.yaml")
			So(err, ShouldBeNil)
			So(string(blob), ShouldEqual, "two")
			exists, _ := afero.Exists(fs, "models/a.yaml.tmp")
			So(exists, ShouldBeFalse)
		})

		Convey("Corrupt blobs are a model mismatch", func() {
			So(store.Save(ModelKey(KindTabular, "snake"), []byte(":::not yaml")), ShouldBeNil)
			agent := NewTabularQ("snake", 1, 2, Defaults{}, store, rand.New(rand.NewSource(1)), nil)
			So(errors.Is(agent.Load(), ErrModelMismatch), ShouldBeTrue)
		})
	})
}
