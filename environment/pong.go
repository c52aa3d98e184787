package environment

import (
	"fmt"

	"arcade/models"

	"golang.org/x/exp/rand"
)

// Pong rewards
const (
	PongMissReward   = -10.0
	PongReturnReward = 10.0
	PongStepReward   = -0.1
)

const (
	DefaultPongWidth        = 400
	DefaultPongHeight       = 400
	DefaultPongPaddleHeight = 60

	pongPaddleWidth   = 10
	pongBallRadius    = 8
	pongPaddleSpeed   = 6
	pongOpponentSpeed = 4
	pongBallVX        = 4
	pongBallVY        = 3
	// Distance from each side at which a paddle meets the ball.
	pongPaddleReach = 20
)

// Pong actions
const (
	Stay = iota
	MoveUp
	MoveDown
	numPongActions
)

// Pong is the paddle-and-ball game. The agent's paddle is on the left; the opponent on
// the right follows the ball with a fixed pursuit heuristic.
type Pong struct {
	width, height, paddleHeight float64

	paddleY, opponentY float64
	ballX, ballY       float64
	ballVX, ballVY     float64
	score              int
	done               bool
	rng                *rand.Rand
}

// NewPong returns a reset game; non-positive dimensions take the defaults.
func NewPong(width, height, paddleHeight int, rng *rand.Rand) *Pong {
	if width <= 0 {
		width = DefaultPongWidth
	}
	if height <= 0 {
		height = DefaultPongHeight
	}
	if paddleHeight <= 0 {
		paddleHeight = DefaultPongPaddleHeight
	}
	p := &Pong{
		width:        float64(width),
		height:       float64(height),
		paddleHeight: float64(paddleHeight),
		rng:          rng,
	}
	p.Reset()
	return p
}

func (p *Pong) Reset() models.Observation {
	mid := float64(int(p.height) / 2)
	p.paddleY = mid
	p.opponentY = mid
	p.ballX = float64(int(p.width) / 2)
	p.ballY = mid
	p.ballVX = p.randomSign() * pongBallVX
	p.ballVY = p.randomSign() * pongBallVY
	p.score = 0
	p.done = false
	return p.State()
}

func (p *Pong) randomSign() float64 {
	if p.rng.Intn(2) == 0 {
		return -1
	}
	return 1
}

func (p *Pong) Step(action models.Action) (models.Observation, float64, bool, error) {
	if action.Kind != models.DiscreteAction || action.Index < 0 || action.Index >= numPongActions {
		return models.Observation{}, 0, p.done, fmt.Errorf("pong: %w: %s", ErrInvalidAction, action)
	}
	if p.done {
		return p.State(), PongMissReward, true, nil
	}

	switch action.Index {
	case MoveUp:
		p.paddleY = max(0, p.paddleY-pongPaddleSpeed)
	case MoveDown:
		p.paddleY = min(p.height-p.paddleHeight, p.paddleY+pongPaddleSpeed)
	}

	p.ballX += p.ballVX
	p.ballY += p.ballVY

	if p.ballY <= 0 || p.ballY >= p.height {
		p.ballVY = -p.ballVY
	}

	reward := PongStepReward
	if p.ballX <= pongPaddleReach && p.paddleY <= p.ballY && p.ballY <= p.paddleY+p.paddleHeight {
		p.ballVX = -p.ballVX
		p.score++
		reward = PongReturnReward
	}

	if p.ballX >= p.width-pongPaddleReach && p.opponentY <= p.ballY && p.ballY <= p.opponentY+p.paddleHeight {
		p.ballVX = -p.ballVX
	}

	if p.ballX < 0 || p.ballX > p.width {
		p.done = true
		reward = PongMissReward
	}

	center := p.opponentY + float64(int(p.paddleHeight)/2)
	if center < p.ballY {
		p.opponentY += pongOpponentSpeed
	} else if center > p.ballY {
		p.opponentY -= pongOpponentSpeed
	}

	return p.State(), reward, p.done, nil
}

// State is the paddle, opponent and ball positions normalised to [0,1] and the ball
// velocity normalised to [-1,1].
func (p *Pong) State() models.Observation {
	return models.NewVector([]float64{
		p.paddleY / p.height,
		p.opponentY / p.height,
		p.ballX / p.width,
		p.ballY / p.height,
		p.ballVX / pongBallVX,
		p.ballVY / pongBallVY,
	})
}

func (p *Pong) NumActions() int { return numPongActions }

func (p *Pong) StateSize() int { return 6 }

func (p *Pong) IsDone() bool { return p.done }

// Score is the number of returns in the current episode.
func (p *Pong) Score() int { return p.score }

func (p *Pong) Describe() map[string]any {
	return map[string]any{
		"width":        p.width,
		"height":       p.height,
		"paddleHeight": p.paddleHeight,
		"paddleWidth":  pongPaddleWidth,
		"ballRadius":   pongBallRadius,
	}
}
